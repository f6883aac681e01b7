package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/lab-clinic-booking/internal/api"
	"github.com/hackgods/lab-clinic-booking/internal/auth"
	"github.com/hackgods/lab-clinic-booking/internal/config"
	"github.com/hackgods/lab-clinic-booking/internal/db"
	"github.com/hackgods/lab-clinic-booking/pkg/logging"
)

type SimConfig struct {
	APIBaseURL  string
	Bookers     int
	Operators   int
	Rounds      int
	JWTSecret   string
	PostgresDSN string
}

// Target is the slot every booker competes for.
type Target struct {
	Date         string
	Time         string
	ServiceCode  string
	LocationCode string
	Remaining    int
}

// OperationMetrics counts outcomes by error code ("ok" for success).
type OperationMetrics struct {
	Total     int64
	mu        sync.Mutex
	outcomes  map[string]int
	Latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, outcome string) {
	atomic.AddInt64(&om.Total, 1)

	om.mu.Lock()
	defer om.mu.Unlock()
	if om.outcomes == nil {
		om.outcomes = make(map[string]int)
	}
	om.outcomes[outcome]++
	om.Latencies = append(om.Latencies, latency)
}

func (om *OperationMetrics) Count(outcome string) int {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.outcomes[outcome]
}

func (om *OperationMetrics) Stats() (avg, minLat, maxLat, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	minLat = latencies[0]
	maxLat = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, minLat, maxLat, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Simulator struct {
	config   SimConfig
	client   *http.Client
	verifier *auth.Verifier
	logger   zerolog.Logger

	Reservations OperationMetrics
	Claims       OperationMetrics
	violations   int
}

func main() {
	logger := logging.New(getEnv("LOG_LEVEL", "info"), getEnv("APP_ENV", "dev"))
	logger.Info().Msg("simulator starting")

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 4, 1)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	if cfg.JWTSecret != "" {
		sim.verifier = auth.NewVerifier(cfg.JWTSecret)
	}

	for round := 1; round <= cfg.Rounds; round++ {
		l := logger.With().Int("round", round).Logger()
		if err := sim.reservationRound(ctx, pgPool, l); err != nil {
			l.Error().Err(err).Msg("reservation round failed")
		}
		if err := sim.claimRound(ctx, pgPool, l); err != nil {
			l.Error().Err(err).Msg("claim round failed")
		}
	}

	sim.PrintReport()
	if sim.violations > 0 {
		os.Exit(1)
	}
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Bookers:     getInt("SIM_BOOKERS", 50),
		Operators:   getInt("SIM_OPERATORS", 5),
		Rounds:      getInt("SIM_ROUNDS", 3),
		JWTSecret:   baseCfg.JWTSecret,
		PostgresDSN: baseCfg.PostgresDSN,
	}
	if cfg.Bookers <= 0 || cfg.Operators <= 0 || cfg.Rounds <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_BOOKERS, SIM_OPERATORS and SIM_ROUNDS must be > 0")
	}
	return cfg, nil
}

// reservationRound sends one request per patient for the same slot at once
// and checks that no more bookings succeeded than the slot had room for.
func (s *Simulator) reservationRound(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
	var t Target
	err := pool.QueryRow(ctx, `
		SELECT to_char(slot_date, 'YYYY-MM-DD'), to_char(start_time, 'HH24:MI'), service_code, location_code, remaining
		FROM slots
		WHERE active AND remaining > 0 AND slot_date > current_date
		  AND slot_date NOT IN (SELECT holiday_date FROM holidays WHERE active)
		ORDER BY random()
		LIMIT 1
	`).Scan(&t.Date, &t.Time, &t.ServiceCode, &t.LocationCode, &t.Remaining)
	if err != nil {
		return fmt.Errorf("pick slot: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT identifier FROM patients WHERE active ORDER BY random() LIMIT $1`, s.config.Bookers)
	if err != nil {
		return fmt.Errorf("load patients: %w", err)
	}
	var patients []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		patients = append(patients, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	before := s.Reservations.Count("ok")
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, identifier := range patients {
		wg.Add(1)
		go func(identifier string) {
			defer wg.Done()
			<-start
			s.reserve(ctx, identifier, t)
		}(identifier)
	}
	close(start)
	wg.Wait()

	booked := s.Reservations.Count("ok") - before
	logger.Info().Str("date", t.Date).Str("time", t.Time).Int("remaining", t.Remaining).
		Int("patients", len(patients)).Int("booked", booked).Msg("reservation round done")
	if booked > t.Remaining {
		s.violations++
		logger.Error().Int("booked", booked).Int("remaining", t.Remaining).Msg("slot overbooked")
	}
	return nil
}

func (s *Simulator) reserve(ctx context.Context, identifier string, t Target) {
	body, _ := json.Marshal(api.ReserveSlotRequest{
		PatientIdentifier: identifier,
		Date:              t.Date,
		Time:              t.Time,
		ServiceCode:       t.ServiceCode,
		LocationCode:      t.LocationCode,
	})

	started := time.Now()
	status, payload, err := s.do(ctx, http.MethodPost, "/reservations", body, nil)
	latency := time.Since(started)
	if err != nil {
		s.Reservations.Record(latency, "transport_error")
		return
	}

	switch status {
	case http.StatusCreated:
		var resp api.ReservationResponse
		if json.Unmarshal(payload, &resp) == nil && resp.Appointment != nil && resp.Appointment.Time == t.Time {
			s.Reservations.Record(latency, "ok")
			return
		}
		// Booked, but the exact slot was gone and another time was substituted.
		s.Reservations.Record(latency, "substituted")
	case http.StatusOK:
		s.Reservations.Record(latency, "no_availability")
	default:
		s.Reservations.Record(latency, errorCode(payload))
	}
}

// claimRound queues a fresh conversation and lets every operator try to
// take it at once. Exactly one claim must win.
func (s *Simulator) claimRound(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
	var conversationID int64
	err := pool.QueryRow(ctx, `
		INSERT INTO conversations (session_id, type, state, handoff_at, last_activity_at)
		VALUES ($1, 'LIVE', 'WAITING_FOR_OPERATOR', now(), now())
		RETURNING id
	`, fmt.Sprintf("sim-%d", time.Now().UnixNano())).Scan(&conversationID)
	if err != nil {
		return fmt.Errorf("queue conversation: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT id FROM operators WHERE active ORDER BY id LIMIT $1`, s.config.Operators)
	if err != nil {
		return fmt.Errorf("load operators: %w", err)
	}
	var operators []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		operators = append(operators, id)
	}
	rows.Close()
	if len(operators) == 0 {
		return fmt.Errorf("no active operators, run the seed first")
	}

	before := s.Claims.Count("ok")
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, op := range operators {
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			<-start
			s.claim(ctx, conversationID, op)
		}(op)
	}
	close(start)
	wg.Wait()

	winners := s.Claims.Count("ok") - before
	logger.Info().Int64("conversation_id", conversationID).Int("operators", len(operators)).Int("winners", winners).Msg("claim round done")
	if winners != 1 {
		s.violations++
		logger.Error().Int("winners", winners).Msg("claim race did not produce exactly one owner")
	}

	// Leave nothing behind for the next round's queue.
	_, err = pool.Exec(ctx, `UPDATE conversations SET state = 'CLOSED', closed_at = now() WHERE id = $1`, conversationID)
	return err
}

func (s *Simulator) claim(ctx context.Context, conversationID int64, operatorID string) {
	headers := map[string]string{api.OperatorHeader: operatorID}
	if s.verifier != nil {
		token, err := s.verifier.Issue(operatorID, auth.RoleOperator, "", time.Minute)
		if err != nil {
			s.Claims.Record(0, "token_error")
			return
		}
		headers["Authorization"] = "Bearer " + token
	}

	started := time.Now()
	status, payload, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/handoff/conversations/%d/claim", conversationID), nil, headers)
	latency := time.Since(started)
	switch {
	case err != nil:
		s.Claims.Record(latency, "transport_error")
	case status == http.StatusOK:
		s.Claims.Record(latency, "ok")
	default:
		s.Claims.Record(latency, errorCode(payload))
	}
}

func (s *Simulator) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, payload, nil
}

func errorCode(payload []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(payload, &e); err != nil || e.Error == "" {
		return "unknown_error"
	}
	return e.Error
}

func (s *Simulator) PrintReport() {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 60))

	printOperationReport("Reservations", &s.Reservations)
	printOperationReport("Claims", &s.Claims)

	fmt.Printf("\nInvariant violations: %d\n", s.violations)
	fmt.Println(strings.Repeat("=", 60))
}

func printOperationReport(name string, om *OperationMetrics) {
	fmt.Printf("\n%s\n%s\n", name, strings.Repeat("-", len(name)))
	fmt.Printf("  Total: %d\n", atomic.LoadInt64(&om.Total))

	om.mu.Lock()
	codes := make([]string, 0, len(om.outcomes))
	for code := range om.outcomes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Printf("  %-26s %d\n", code+":", om.outcomes[code])
	}
	om.mu.Unlock()

	avg, minLat, maxLat, p50, p95 := om.Stats()
	fmt.Printf("  Latency avg=%s min=%s max=%s p50=%s p95=%s\n", avg, minLat, maxLat, p50, p95)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
