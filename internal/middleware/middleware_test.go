package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chunkvault/chunkvault/internal/identity"
)

type userSet map[string]bool

func (u userSet) Get(_ context.Context, id string) (identity.User, error) {
	if !u[id] {
		return identity.User{}, identity.ErrUserNotFound
	}
	return identity.User{ID: id}, nil
}

func TestCallerSetsUserID(t *testing.T) {
	app := fiber.New()
	app.Use(Caller(userSet{"u1": true}))
	app.Get("/me", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(userIDLocal).(string))
	})

	cases := map[string]int{"u1": http.StatusOK, "u2": http.StatusUnauthorized, "": http.StatusUnauthorized}
	for user, want := range cases {
		req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
		if user != "" {
			req.Header.Set(userIDHeader, user)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("user %q: expected %d got %d", user, want, resp.StatusCode)
		}
	}
}

func TestRateLimitPerKey(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Post("/login", RateLimit(cache, "login", 2, ByField("username")), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	send := func(username string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/login", strings.NewReader(`{"username":"`+username+`"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if status := send("alice"); status != http.StatusOK {
			t.Fatalf("request %d: expected 200 got %d", i, status)
		}
	}
	if status := send("alice"); status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", status)
	}
	if status := send("bob"); status != http.StatusOK {
		t.Fatalf("other keys should be unaffected, got %d", status)
	}
}

func TestRateLimitWithoutRedisPassesThrough(t *testing.T) {
	app := fiber.New()
	app.Get("/", RateLimit(nil, "deposit", 1, ByUser), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 got %d", resp.StatusCode)
		}
	}
}
