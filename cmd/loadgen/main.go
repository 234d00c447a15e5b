package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/abkawan/venue-payments/internal/auth"
	"github.com/abkawan/venue-payments/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	numRequests    = 2000       // Total number of concurrent requests
	maxConcurrency = 100        // Maximum number of concurrent requests
	numSettled     = 10         // Deposits that receive repeated callbacks
	settledAmount  = 100        // Amount of each of those deposits
	maxWithdrawal  = 50.0       // Maximum withdrawal amount
	successColor   = "\033[32m" // Green
	errorColor     = "\033[31m" // Red
	infoColor      = "\033[34m" // Blue
	resetColor     = "\033[0m"  // Reset color
)

// Fires concurrent deposits, repeated callbacks and withdrawals at a running
// API, then checks every deposit was credited once and no balance drifted.
// Owners must already exist, e.g. via SEED_OWNERS on the API. Set
// STUB_GATEWAY_ADDR and point the API's GATEWAY_BASE_URL at it so callbacks
// verify as paid.
func main() {
	baseURL := getEnv("BASE_URL", "http://localhost:8080")
	owners := strings.Split(getEnv("LOAD_OWNERS", "owner1@venue.et,owner2@venue.et"), ",")
	authSvc := auth.NewService(getEnv("JWT_SECRET", "super-secret-key-change-me"))

	stubbed := false
	if addr := os.Getenv("STUB_GATEWAY_ADDR"); addr != "" {
		go func() {
			if err := http.ListenAndServe(addr, newStubGateway()); err != nil {
				fmt.Printf("%sstub gateway stopped: %v%s\n", errorColor, err, resetColor)
				os.Exit(1)
			}
		}()
		stubbed = true
		fmt.Printf("%sstub gateway listening on %s%s\n", infoColor, addr, resetColor)
		time.Sleep(200 * time.Millisecond)
	}

	tokens := make(map[string]string, len(owners))
	for _, email := range owners {
		token, err := authSvc.IssueToken(email, models.RoleOwner, time.Hour)
		if err != nil {
			fmt.Printf("%sfailed to issue token for %s: %v%s\n", errorColor, email, err, resetColor)
			os.Exit(1)
		}
		tokens[email] = token
	}

	before := make(map[string]decimal.Decimal, len(owners))
	for _, email := range owners {
		b, err := balance(baseURL, tokens[email])
		if err != nil {
			fmt.Printf("%sfailed to read balance for %s: %v%s\n", errorColor, email, err, resetColor)
			os.Exit(1)
		}
		before[email] = b
	}

	// deposits that the concurrent phase will call back over and over
	runID := uuid.NewString()[:8]
	settledOwner := make(map[string]string, numSettled)
	for i := 0; i < numSettled; i++ {
		ref := fmt.Sprintf("LOAD-%s-DUP-%d", runID, i)
		email := owners[i%len(owners)]
		status, _, err := post(baseURL+"/deposits", tokens[email], depositBody(ref, decimal.NewFromInt(settledAmount)))
		if err != nil || status != http.StatusCreated {
			fmt.Printf("%sfailed to initiate %s: status %d, %v%s\n", errorColor, ref, status, err, resetColor)
			os.Exit(1)
		}
		settledOwner[ref] = email
	}
	refs := make([]string, 0, numSettled)
	for ref := range settledOwner {
		refs = append(refs, ref)
	}

	fmt.Printf("%sstarting a load test with %d owners and %d requests%s\n",
		infoColor, len(owners), numRequests, resetColor)

	// Create semaphore for limiting concurrency
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	startTime := time.Now()
	var mu sync.Mutex
	counts := make(map[string]int)
	credits := make(map[string]int)
	withdrawn := make(map[string]decimal.Decimal)

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		sem <- struct{}{} // Acquire semaphore

		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			email := owners[rand.Intn(len(owners))]
			amount := decimal.NewFromFloat(1.0 + rand.Float64()*(maxWithdrawal-1.0)).Round(2)

			var (
				kind   string
				status int
				body   []byte
				err    error
			)
			switch n % 3 {
			case 0:
				// never called back, must not change any balance
				kind = "deposit"
				status, _, err = post(baseURL+"/deposits", tokens[email], depositBody(fmt.Sprintf("LOAD-%s-D-%d", runID, n), amount))
			case 1:
				kind = "withdrawal"
				status, _, err = post(baseURL+"/withdrawals", tokens[email], withdrawalBody(fmt.Sprintf("LOAD-%s-W-%d", runID, n), amount))
			default:
				kind = "callback"
				status, body, err = post(baseURL+"/deposits/callback", "", map[string]string{"tx_ref": refs[n%len(refs)], "status": "success"})
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				counts["transport_error"]++
				if n%100 == 0 { // Only log some failures to avoid overwhelming output
					fmt.Printf("%s%s failed: %v%s\n", errorColor, kind, err, resetColor)
				}
				return
			}
			counts[fmt.Sprintf("%s_%d", kind, status)]++

			switch {
			case kind == "withdrawal" && status == http.StatusOK:
				withdrawn[email] = withdrawn[email].Add(amount)
			case kind == "callback" && status == http.StatusOK:
				var res models.CallbackResponse
				if json.Unmarshal(body, &res) == nil && res.Credited {
					credits[res.Reference]++
				}
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(startTime)

	fmt.Printf("\n%s=== load test results ===%s\n", infoColor, resetColor)
	for key, count := range counts {
		color := successColor
		if strings.HasSuffix(key, "_error") || strings.HasSuffix(key, "_500") || strings.HasSuffix(key, "_502") {
			color = errorColor
		}
		fmt.Printf("%s%-24s %d%s\n", color, key, count, resetColor)
	}
	fmt.Printf("Duration: %.2f seconds\n", duration.Seconds())
	fmt.Printf("Throughput: %.2f requests/second\n", float64(numRequests)/duration.Seconds())

	failed := false

	fmt.Printf("\n%sChecking credits...%s\n", infoColor, resetColor)
	credited := make(map[string]decimal.Decimal)
	for _, ref := range refs {
		n := credits[ref]
		switch {
		case n > 1:
			fmt.Printf("%s  %s credited %d times%s\n", errorColor, ref, n, resetColor)
			failed = true
		case n == 0 && stubbed:
			fmt.Printf("%s  %s never credited%s\n", errorColor, ref, resetColor)
			failed = true
		}
		if n > 0 {
			credited[settledOwner[ref]] = credited[settledOwner[ref]].Add(decimal.NewFromInt(settledAmount))
		}
	}
	if !stubbed {
		fmt.Printf("%s  no stub gateway: callbacks only verify against the real provider%s\n", infoColor, resetColor)
	}

	fmt.Printf("\n%sChecking final balances...%s\n", infoColor, resetColor)
	for _, email := range owners {
		after, err := balance(baseURL, tokens[email])
		if err != nil {
			fmt.Printf("%s  %s: %v%s\n", errorColor, email, err, resetColor)
			failed = true
			continue
		}

		want := before[email].Add(credited[email]).Sub(withdrawn[email])
		color := successColor
		if !after.Equal(want) || after.IsNegative() {
			color = errorColor
			failed = true
		}
		fmt.Printf("%s  %s: %s -> %s (expected %s)%s\n", color, email, before[email], after, want, resetColor)
	}

	if failed {
		os.Exit(1)
	}
}

func depositBody(ref string, amount decimal.Decimal) map[string]interface{} {
	return map[string]interface{}{
		"amount":         amount,
		"currency":       "ETB",
		"account_number": "0911223344",
		"account_name":   "Load Test",
		"payment_method": "mobile_money",
		"reference":      ref,
	}
}

func withdrawalBody(ref string, amount decimal.Decimal) map[string]interface{} {
	return map[string]interface{}{
		"amount":         amount,
		"currency":       "ETB",
		"account_number": "1000123456789",
		"account_name":   "Load Test",
		"bank_code":      "855",
		"payment_method": "bank",
		"reference":      ref,
	}
}

func post(url, token string, body interface{}) (int, []byte, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

func balance(baseURL, token string) (decimal.Decimal, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/balance", nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return decimal.Zero, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res models.BalanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode response: %w", err)
	}
	return res.TotalAmount, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
