package middleware

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// KeyFunc picks the bucket a request is counted against. An empty key falls
// back to the client IP.
type KeyFunc func(c *fiber.Ctx) string

// ByUser counts requests per authenticated caller.
func ByUser(c *fiber.Ctx) string {
	uid, _ := c.Locals(userIDLocal).(string)
	return uid
}

// ByField counts requests per value of a JSON body field, e.g. the username on login.
func ByField(field string) KeyFunc {
	return func(c *fiber.Ctx) string {
		var body map[string]any
		_ = c.BodyParser(&body)
		v, _ := body[field].(string)
		return v
	}
}

// RateLimit allows maxPerMin requests per key per minute using a Redis
// counter. Without Redis, or on Redis errors, requests pass through.
func RateLimit(cache redis.UniversalClient, name string, maxPerMin int, key KeyFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cache == nil || maxPerMin <= 0 {
			return c.Next()
		}
		bucket := key(c)
		if bucket == "" {
			bucket = c.IP()
		}
		redisKey := "rl:" + name + ":" + bucket
		cnt, err := cache.Incr(c.UserContext(), redisKey).Result()
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), redisKey, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many "+name+" requests, try again later")
		}
		return c.Next()
	}
}
