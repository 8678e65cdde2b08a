package withdrawal

// Request captures a withdrawal submitted over HTTP. Amount is a decimal ether string.
type Request struct {
	Amount string `json:"amount"`
}

// Response represents the API response for a withdrawal.
type Response struct {
	Destination string   `json:"destination"`
	Requested   string   `json:"requested"`
	Debited     string   `json:"debited"`
	References  []string `json:"references"`
	Balance     string   `json:"balance"`
	Error       string   `json:"error,omitempty"`
}
