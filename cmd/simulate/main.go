package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-appointment-engine/internal/db"
	"github.com/hackgods/clinic-appointment-engine/internal/logging"
)

// SimConfig drives the same-slot race: every round, Workers clients try to
// book one doctor at one time and exactly one of them should win.
type SimConfig struct {
	APIBaseURL  string
	Rounds      int
	Workers     int
	Start       time.Time
	PostgresDSN string
	DoctorIDs   []int64
	PatientIDs  []int64
}

type DataPool struct {
	Doctors  []int64
	Patients []int64
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.Latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	pick := func(pct int) time.Duration {
		return latencies[min(len(latencies)*pct/100, len(latencies)-1)]
	}

	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], pick(50), pick(95)
}

type Metrics struct {
	Booking OperationMetrics
	Cancel  OperationMetrics
	Rebook  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     zerolog.Logger
	metrics Metrics

	// rounds where the race did not produce exactly one winner
	violations atomic.Int64
}

func main() {
	logger := logging.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"), "simulate")

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Int("rounds", cfg.Rounds).
		Int("workers", cfg.Workers).
		Str("api", cfg.APIBaseURL).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dataPool, err := buildDataPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().
		Int("doctors", len(dataPool.Doctors)).
		Int("patients", len(dataPool.Patients)).
		Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}

	sim.Run(context.Background())
	sim.PrintReport()

	if sim.violations.Load() > 0 {
		os.Exit(1)
	}
}

func loadConfig() (SimConfig, error) {
	doctors, err := parseIDs(os.Getenv("SIM_DOCTOR_IDS"))
	if err != nil {
		return SimConfig{}, fmt.Errorf("SIM_DOCTOR_IDS: %w", err)
	}
	patients, err := parseIDs(os.Getenv("SIM_PATIENT_IDS"))
	if err != nil {
		return SimConfig{}, fmt.Errorf("SIM_PATIENT_IDS: %w", err)
	}

	// Far enough ahead that reruns do not collide with earlier bookings.
	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour).
		Add(time.Duration(rand.Intn(10_000)) * time.Hour)

	cfg := SimConfig{
		APIBaseURL:  strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Rounds:      getInt("SIM_ROUNDS", 20),
		Workers:     getInt("SIM_WORKERS", 16),
		Start:       start,
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		DoctorIDs:   doctors,
		PatientIDs:  patients,
	}

	if cfg.Workers < 2 {
		return SimConfig{}, fmt.Errorf("SIM_WORKERS must be >= 2")
	}
	if cfg.Rounds <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_ROUNDS must be > 0")
	}
	if cfg.PostgresDSN == "" && (len(doctors) == 0 || len(patients) == 0) {
		return SimConfig{}, fmt.Errorf("set POSTGRES_DSN or both SIM_DOCTOR_IDS and SIM_PATIENT_IDS")
	}
	return cfg, nil
}

// buildDataPool prefers explicit ids and falls back to reading the database.
func buildDataPool(ctx context.Context, cfg SimConfig) (*DataPool, error) {
	if len(cfg.DoctorIDs) > 0 && len(cfg.PatientIDs) > 0 {
		return &DataPool{Doctors: cfg.DoctorIDs, Patients: cfg.PatientIDs}, nil
	}

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	dp := &DataPool{}
	if dp.Doctors, err = queryIDs(ctx, pool, `SELECT id FROM doctors WHERE is_active LIMIT 50`); err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	if dp.Patients, err = queryIDs(ctx, pool, `SELECT id FROM patients LIMIT 1000`); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}

	if len(dp.Doctors) == 0 {
		return nil, fmt.Errorf("no active doctors loaded")
	}
	if len(dp.Patients) < 2 {
		return nil, fmt.Errorf("need at least two patients")
	}
	return dp, nil
}

func queryIDs(ctx context.Context, pool *pgxpool.Pool, query string) ([]int64, error) {
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Simulator) Run(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for round := 0; round < s.config.Rounds; round++ {
		doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
		at := s.config.Start.Add(time.Duration(round) * 30 * time.Minute)
		s.runRound(ctx, rng, round, doctorID, at)
	}
}

// runRound races Workers bookings for one slot, then cancels the winner and
// checks that the freed slot can be booked again.
func (s *Simulator) runRound(ctx context.Context, rng *rand.Rand, round int, doctorID int64, at time.Time) {
	patients := make([]int64, s.config.Workers)
	for i := range patients {
		patients[i] = s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	}

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		winners = make(chan int64, s.config.Workers)
	)
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(patientID int64) {
			defer wg.Done()
			<-start
			if id, ok := s.book(ctx, &s.metrics.Booking, patientID, doctorID, at); ok {
				winners <- id
			}
		}(patients[i])
	}
	close(start)
	wg.Wait()
	close(winners)

	var won []int64
	for id := range winners {
		won = append(won, id)
	}

	rlog := s.log.With().Int("round", round).Int64("doctor_id", doctorID).Time("scheduled_at", at).Logger()
	if len(won) != 1 {
		s.violations.Add(1)
		rlog.Error().Int("winners", len(won)).Msg("slot race did not produce exactly one booking")
		return
	}
	rlog.Debug().Int64("appointment_id", won[0]).Msg("slot race settled")

	if !s.cancel(ctx, won[0]) {
		rlog.Warn().Int64("appointment_id", won[0]).Msg("cancel failed, skipping rebook")
		return
	}
	if _, ok := s.book(ctx, &s.metrics.Rebook, patients[0], doctorID, at); !ok {
		s.violations.Add(1)
		rlog.Error().Msg("cancelled slot could not be booked again")
	}
}

func (s *Simulator) book(ctx context.Context, om *OperationMetrics, patientID, doctorID int64, at time.Time) (int64, bool) {
	body, _ := json.Marshal(map[string]any{
		"patient_id":   patientID,
		"doctor_id":    doctorID,
		"scheduled_at": at.Format(time.RFC3339),
		"notes":        "simulated booking",
	})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		om.Record(latency, false, false)
		s.log.Debug().Err(err).Msg("booking request failed")
		return 0, false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var out struct {
			ID int64 `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == 0 {
			om.Record(latency, false, false)
			return 0, false
		}
		om.Record(latency, true, false)
		return out.ID, true
	case http.StatusConflict:
		om.Record(latency, false, true)
	default:
		om.Record(latency, false, false)
		s.log.Debug().Int("status", resp.StatusCode).Msg("unexpected booking status")
	}
	return 0, false
}

func (s *Simulator) cancel(ctx context.Context, appointmentID int64) bool {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/appointments/%d/cancel", s.config.APIBaseURL, appointmentID), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.metrics.Cancel.Record(latency, false, false)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusNoContent
	s.metrics.Cancel.Record(latency, ok, resp.StatusCode == http.StatusConflict)
	return ok
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SLOT RACE REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Rounds: %d\n", s.config.Rounds)
	fmt.Printf("Workers per round: %d\n", s.config.Workers)
	fmt.Printf("Rounds without exactly one winner: %d\n", s.violations.Load())
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Rebook after cancel", &s.metrics.Rebook)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func parseIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
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
