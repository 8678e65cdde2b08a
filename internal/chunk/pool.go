package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chunkvault/chunkvault/internal/settlement"
)

// Pool allocates, spends and refills chunk wallets of a single denomination.
type Pool struct {
	store        Store
	network      settlement.Network
	denomination *big.Int
	logger       *slog.Logger
	now          func() time.Time
}

// NewPool builds a pool paying out chunks of denomination wei.
func NewPool(store Store, network settlement.Network, denomination *big.Int, logger *slog.Logger) *Pool {
	return &Pool{
		store:        store,
		network:      network,
		denomination: new(big.Int).Set(denomination),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Denomination returns the chunk size in wei.
func (p *Pool) Denomination() *big.Int {
	return new(big.Int).Set(p.denomination)
}

// Allocate reserves the n oldest available chunks. Either all n are reserved
// or none are, and a chunk is never handed to two callers.
func (p *Pool) Allocate(ctx context.Context, n int) ([]Wallet, error) {
	if n <= 0 {
		return nil, fmt.Errorf("allocate %d chunks: count must be positive", n)
	}
	wallets, err := p.store.Claim(ctx, n)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("chunks allocated", "count", len(wallets))
	return wallets, nil
}

// Spend transfers the chunk's denomination to dest and marks it used. When the
// transfer cannot be submitted the chunk goes back to the available set.
func (p *Pool) Spend(ctx context.Context, w Wallet, dest string) (string, error) {
	sequence, err := p.network.SequenceNumber(ctx, w.Address)
	if err != nil {
		p.release(ctx, w.ID)
		return "", fmt.Errorf("%w: sequence number: %v", settlement.ErrSubmissionFailed, err)
	}
	feeRate, err := p.network.FeeRate(ctx)
	if err != nil {
		p.release(ctx, w.ID)
		return "", fmt.Errorf("%w: fee rate: %v", settlement.ErrSubmissionFailed, err)
	}

	cred := settlement.Credential{Address: w.Address, PrivateKey: w.PrivateKey}
	ref, err := p.network.SubmitTransfer(ctx, cred, dest, w.Denomination, sequence, feeRate)
	if err != nil {
		p.release(ctx, w.ID)
		return "", fmt.Errorf("spend chunk %s: %w", w.ID, err)
	}

	if err := p.store.MarkUsed(ctx, w.ID, ref, p.now()); err != nil {
		// the transfer is out; leaving the chunk reserved keeps it from being reallocated
		p.logger.Error("mark chunk used", "chunk_id", w.ID, "tx_ref", ref, "error", err)
	}
	return ref, nil
}

// Release returns reserved chunks to the available set.
func (p *Pool) Release(ctx context.Context, wallets []Wallet) error {
	if len(wallets) == 0 {
		return nil
	}
	ids := make([]string, len(wallets))
	for i, w := range wallets {
		ids[i] = w.ID
	}
	return p.store.Release(ctx, ids)
}

func (p *Pool) release(ctx context.Context, id string) {
	if err := p.store.Release(context.WithoutCancel(ctx), []string{id}); err != nil {
		p.logger.Error("release chunk", "chunk_id", id, "error", err)
	}
}

// Inventory reports the available chunk count and leftover wallets.
func (p *Pool) Inventory(ctx context.Context) (Inventory, error) {
	available, err := p.store.CountAvailable(ctx)
	if err != nil {
		return Inventory{}, err
	}
	leftovers, err := p.store.Leftovers(ctx)
	if err != nil {
		return Inventory{}, err
	}
	total := new(big.Int)
	for _, l := range leftovers {
		total.Add(total, l.Amount)
	}
	return Inventory{
		Denomination:  p.Denomination(),
		Available:     available,
		Leftovers:     leftovers,
		LeftoverTotal: total,
	}, nil
}

// Result describes what a repackaging pass produced.
type Result struct {
	Chunks   []Wallet
	Leftover *Leftover
}

// Repackage splits total wei held at source into whole chunks, each moved to a
// fresh address with its own transfer. Any remainder stays at source and is
// recorded as a leftover. If a transfer fails the remaining chunks are not
// sent, the unsent value is recorded as a leftover and the submission error is
// returned alongside the chunks already recorded.
func (p *Pool) Repackage(ctx context.Context, source settlement.Credential, total *big.Int) (Result, error) {
	var res Result
	if total.Sign() <= 0 {
		return res, nil
	}

	count, remainder := new(big.Int).QuoRem(total, p.denomination, new(big.Int))
	logger := p.logger.With("source", source.Address)

	if count.Sign() > 0 {
		sequencer, err := settlement.NewSequencer(ctx, p.network, source.Address)
		if err != nil {
			return res, p.abort(ctx, &res, source, total, fmt.Errorf("%w: %v", settlement.ErrSubmissionFailed, err))
		}
		feeRate, err := p.network.FeeRate(ctx)
		if err != nil {
			return res, p.abort(ctx, &res, source, total, fmt.Errorf("%w: fee rate: %v", settlement.ErrSubmissionFailed, err))
		}

		sent := new(big.Int)
		for i := int64(0); i < count.Int64(); i++ {
			chunk, err := p.network.CreateAddress(ctx)
			if err != nil {
				return res, p.abort(ctx, &res, source, new(big.Int).Sub(total, sent), fmt.Errorf("%w: create address: %v", settlement.ErrSubmissionFailed, err))
			}
			ref, err := p.network.SubmitTransfer(ctx, source, chunk.Address, p.denomination, sequencer.Next(), feeRate)
			if err != nil {
				return res, p.abort(ctx, &res, source, new(big.Int).Sub(total, sent), err)
			}
			sent.Add(sent, p.denomination)

			recorded, err := p.store.AddChunk(ctx, Wallet{
				ID:            uuid.NewString(),
				Address:       chunk.Address,
				PrivateKey:    chunk.PrivateKey,
				SourceAddress: source.Address,
				Denomination:  p.denomination,
				CreatedAt:     p.now(),
			})
			if err != nil {
				logger.Error("record chunk", "chunk_address", chunk.Address, "tx_ref", ref, "error", err)
				// the funded address must stay findable, so it is kept as a leftover
				if _, lerr := p.addLeftover(ctx, chunk, p.denomination); lerr != nil {
					logger.Error("record unrecorded chunk as leftover", "chunk_address", chunk.Address, "error", lerr)
				}
				return res, p.abort(ctx, &res, source, new(big.Int).Sub(total, sent), fmt.Errorf("record chunk %s: %w", chunk.Address, err))
			}
			res.Chunks = append(res.Chunks, recorded)
		}
	}

	if remainder.Sign() > 0 {
		leftover, err := p.addLeftover(ctx, source, remainder)
		if err != nil {
			return res, err
		}
		res.Leftover = &leftover
	}

	logger.Info("deposit repackaged", "chunks", len(res.Chunks), "leftover_wei", remainder.String())
	return res, nil
}

func (p *Pool) abort(ctx context.Context, res *Result, source settlement.Credential, unsent *big.Int, cause error) error {
	p.logger.Error("repackaging aborted",
		"source", source.Address,
		"chunks_recorded", len(res.Chunks),
		"unsent_wei", unsent.String(),
		"error", cause)
	leftover, err := p.addLeftover(ctx, source, unsent)
	if err != nil {
		return errors.Join(cause, err)
	}
	res.Leftover = &leftover
	return cause
}

func (p *Pool) addLeftover(ctx context.Context, source settlement.Credential, amount *big.Int) (Leftover, error) {
	leftover := Leftover{
		ID:         uuid.NewString(),
		Address:    source.Address,
		PrivateKey: source.PrivateKey,
		Amount:     new(big.Int).Set(amount),
		CreatedAt:  p.now(),
	}
	if err := p.store.AddLeftover(ctx, leftover); err != nil {
		return Leftover{}, fmt.Errorf("record leftover: %w", err)
	}
	return leftover, nil
}

func sortBySeq(wallets []Wallet) {
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].Seq < wallets[j].Seq })
}
