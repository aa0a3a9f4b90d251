package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/api/internal/auth"
	"github.com/mediaforge/api/internal/handler"
	"github.com/mediaforge/api/internal/ledger"
	"github.com/mediaforge/api/internal/middleware"
	"github.com/mediaforge/api/internal/model"
	"github.com/mediaforge/api/internal/provider"
	"github.com/mediaforge/api/internal/scheduler"
	"github.com/mediaforge/api/internal/service"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app    *fiber.App
	ledger *ledger.Ledger
}

// setupApp creates a Fiber app identical to main.go but Redis-free: in-memory
// job store, in-process dispatch workers, and mock providers for every media
// type.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	// unreachable Redis: the rate limiter fails open, nothing else needs it
	redisClient := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 50 * time.Millisecond,
	})

	validate := validator.New()
	ldgr := ledger.New(30 * time.Minute)

	registry := provider.NewRegistry()
	for _, mt := range model.ValidMediaTypes {
		registry.Register(provider.NewMockProvider("mock-"+string(mt), mt, 50, 0), model.ProviderInfo{
			QualityRating: 0.8,
		})
	}
	selector := provider.NewSelector(registry)
	store := scheduler.NewMemoryJobStore()

	sched := scheduler.New(scheduler.Config{
		QueueCapacity: 100,
		MarkupPercent: 30,
	}, store, ldgr, registry, selector, nil, nil, nil)
	sched.Start()
	t.Cleanup(sched.Stop)

	generateService := service.NewGenerateService(service.GenerateConfig{MarkupPercent: 30}, ldgr, selector, sched, store)
	accountService := service.NewAccountService(ldgr)

	generateHandler := handler.NewGenerateHandler(generateService, validate)
	accountHandler := handler.NewAccountHandler(accountService, validate)
	providerHandler := handler.NewProviderHandler(registry)

	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		BodyLimit: 5 * 1024 * 1024,
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis": false,
				"r2":    false,
				"auth":  true,
			},
		})
	})

	api := app.Group("/api", authMiddleware.Authenticate())

	api.Post("/generate", rateLimiter.GenerateLimit(10000), generateHandler.Generate)
	api.Get("/generate/status/:jobId", generateHandler.Status)
	api.Post("/generate/cancel/:jobId", generateHandler.Cancel)

	account := api.Group("/account", rateLimiter.AccountLimit(10000))
	account.Get("/balance", accountHandler.Balance)
	account.Post("/credits", accountHandler.AddCredits)
	account.Get("/transactions", accountHandler.Transactions)

	api.Get("/providers", providerHandler.List)

	return &testApp{app: app, ledger: ldgr}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: userID,
		Email:  userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "mediaforge-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request as the given user.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body, userID string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t, userID)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// waitForJobState polls job status until the job reaches a terminal state or
// the deadline passes, returning the last status payload.
func waitForJobState(t *testing.T, app *fiber.App, userID, jobID string, deadline time.Duration) map[string]interface{} {
	t.Helper()

	var last map[string]interface{}
	until := time.Now().Add(deadline)
	for time.Now().Before(until) {
		resp, err := doAuthRequest(t, app, http.MethodGet, "/api/generate/status/"+jobID, "", userID)
		if err != nil {
			t.Fatalf("status request failed: %v", err)
		}
		last = parseJSON(t, resp)
		if state, _ := last["state"].(string); state != "" && model.JobState(state).IsTerminal() {
			return last
		}
		time.Sleep(20 * time.Millisecond)
	}
	return last
}
