package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinical-workflow/internal/access"
	"github.com/hackgods/clinical-workflow/internal/api"
	"github.com/hackgods/clinical-workflow/internal/appointment"
	"github.com/hackgods/clinical-workflow/internal/config"
	"github.com/hackgods/clinical-workflow/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	Doctors      int
	Patients     int
	SlotGrid     int // number of 15 minute starting points per doctor
	BookingRatio float64
	ConfirmRatio float64
	ReadRatio    float64
	JWTSecret    []byte
}

// DataPool holds the actors the simulator impersonates and the appointments
// it has created so far.
type DataPool struct {
	Doctors  []access.Actor
	Patients []access.Actor
	Admin    access.Actor
	Clinic   uuid.UUID

	tokens map[uuid.UUID]string

	mu           sync.RWMutex
	appointments []booked
}

type booked struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) RandomAppointment(faker *gofakeit.Faker) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[faker.Number(0, len(dp.appointments)-1)], true
}

func (dp *DataPool) Token(id uuid.UUID) string { return dp.tokens[id] }

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
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking        OperationMetrics
	Confirm        OperationMetrics
	StartEncounter OperationMetrics
	ReadByID       OperationMetrics
	ListByDoctor   OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	day     time.Time
	log     zerolog.Logger
}

func main() {
	log := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("APP_ENV")).With().Str("component", "simulate").Logger()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("doctors", cfg.Doctors).
		Float64("booking", cfg.BookingRatio).
		Float64("confirm", cfg.ConfirmRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	pool, err := newDataPool(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("mint tokens")
	}

	sim := &Simulator{
		config: cfg,
		pool:   pool,
		client: &http.Client{Timeout: 10 * time.Second},
		// far enough ahead that the expiry worker leaves these alone
		day: time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 30+gofakeit.Number(0, 300)),
		log: log,
	}

	sim.Run()
	overlaps, err := sim.VerifyNoOverlaps(context.Background())
	sim.PrintReport()
	if err != nil {
		log.Fatal().Err(err).Msg("verification failed")
	}
	if overlaps > 0 {
		log.Error().Int("overlaps", overlaps).Msg("overlapping active appointments detected")
		os.Exit(1)
	}
	log.Info().Msg("no overlapping active appointments")
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		Doctors:      getInt("SIM_DOCTORS", 1),
		Patients:     getInt("SIM_PATIENTS", 50),
		SlotGrid:     getInt("SIM_SLOT_GRID", 32),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		JWTSecret:    []byte(baseCfg.JWTSecret),
	}

	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.ReadRatio /= total
	}

	switch {
	case len(cfg.JWTSecret) == 0:
		return cfg, fmt.Errorf("JWT_SECRET is required (set in .env or environment)")
	case cfg.Workers <= 0:
		return cfg, fmt.Errorf("SIM_WORKERS must be > 0")
	case cfg.Duration <= 0:
		return cfg, fmt.Errorf("SIM_DURATION must be > 0")
	case cfg.Doctors <= 0 || cfg.Patients <= 0 || cfg.SlotGrid <= 0:
		return cfg, fmt.Errorf("SIM_DOCTORS, SIM_PATIENTS and SIM_SLOT_GRID must be > 0")
	}
	return cfg, nil
}

func newDataPool(cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{
		Admin:  access.Actor{ID: uuid.New(), Role: access.RoleAdmin},
		Clinic: uuid.New(),
		tokens: make(map[uuid.UUID]string),
	}
	for i := 0; i < cfg.Doctors; i++ {
		dp.Doctors = append(dp.Doctors, access.Actor{ID: uuid.New(), Role: access.RoleDoctor})
	}
	for i := 0; i < cfg.Patients; i++ {
		dp.Patients = append(dp.Patients, access.Actor{ID: uuid.New(), Role: access.RolePatient})
	}

	all := append([]access.Actor{dp.Admin}, dp.Doctors...)
	all = append(all, dp.Patients...)
	for _, a := range all {
		tok, err := api.IssueToken(cfg.JWTSecret, a, cfg.Duration+10*time.Minute)
		if err != nil {
			return nil, err
		}
		dp.tokens[a.ID] = tok
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var g errgroup.Group
	for i := 0; i < s.config.Workers; i++ {
		g.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}
	_ = g.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context) {
	faker := gofakeit.New(0)

	for ctx.Err() == nil {
		r := faker.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, faker)
		case r < s.config.BookingRatio+s.config.ConfirmRatio:
			if faker.Number(0, 3) == 0 {
				s.doStartEncounter(ctx, faker)
			} else {
				s.doConfirm(ctx, faker)
			}
		default:
			if faker.Bool() {
				s.doReadByID(ctx, faker)
			} else {
				s.doListByDoctor(ctx, faker)
			}
		}
	}
}

// doBooking books a random patient with a random doctor on a coarse grid so
// that concurrent workers regularly collide on the same interval.
func (s *Simulator) doBooking(ctx context.Context, faker *gofakeit.Faker) {
	doctor := s.pool.Doctors[faker.Number(0, len(s.pool.Doctors)-1)]
	patient := s.pool.Patients[faker.Number(0, len(s.pool.Patients)-1)]

	start := s.day.Add(8*time.Hour + time.Duration(faker.Number(0, s.config.SlotGrid-1))*15*time.Minute)
	end := start.Add(time.Duration(faker.Number(1, 3)) * 15 * time.Minute)

	body := api.CreateAppointmentRequest{
		ClinicID:  s.pool.Clinic,
		PatientID: patient.ID,
		DoctorID:  doctor.ID,
		StartAt:   start,
		EndAt:     end,
	}

	began := time.Now()
	status, err := s.do(ctx, http.MethodPost, "/appointments", patient.ID, body, func(dec *json.Decoder) error {
		var appt appointment.Appointment
		if err := dec.Decode(&appt); err != nil {
			return err
		}
		s.pool.AddAppointment(booked{ID: appt.ID, DoctorID: appt.DoctorID})
		return nil
	})
	s.metrics.Booking.Record(time.Since(began), err == nil && status == http.StatusCreated, status == http.StatusConflict)
}

func (s *Simulator) doConfirm(ctx context.Context, faker *gofakeit.Faker) {
	b, ok := s.pool.RandomAppointment(faker)
	if !ok {
		return
	}
	began := time.Now()
	status, err := s.do(ctx, http.MethodPatch, "/appointments/"+b.ID.String()+"/status", b.DoctorID,
		api.StatusRequest{Status: string(appointment.StatusConfirmed)}, nil)
	s.metrics.Confirm.Record(time.Since(began), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doStartEncounter(ctx context.Context, faker *gofakeit.Faker) {
	b, ok := s.pool.RandomAppointment(faker)
	if !ok {
		return
	}
	began := time.Now()
	status, err := s.do(ctx, http.MethodPost, "/encounters", b.DoctorID, api.StartEncounterRequest{AppointmentID: b.ID}, nil)
	ok = err == nil && (status == http.StatusCreated || status == http.StatusOK)
	s.metrics.StartEncounter.Record(time.Since(began), ok, status == http.StatusConflict)
}

func (s *Simulator) doReadByID(ctx context.Context, faker *gofakeit.Faker) {
	b, ok := s.pool.RandomAppointment(faker)
	if !ok {
		return
	}
	began := time.Now()
	status, err := s.do(ctx, http.MethodGet, "/appointments/"+b.ID.String(), s.pool.Admin.ID, nil, nil)
	s.metrics.ReadByID.Record(time.Since(began), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListByDoctor(ctx context.Context, faker *gofakeit.Faker) {
	doctor := s.pool.Doctors[faker.Number(0, len(s.pool.Doctors)-1)]
	began := time.Now()
	status, err := s.do(ctx, http.MethodGet, "/appointments?doctor_id="+doctor.ID.String()+"&limit=20", doctor.ID, nil, nil)
	s.metrics.ListByDoctor.Record(time.Since(began), err == nil && status == http.StatusOK, false)
}

// VerifyNoOverlaps lists every doctor's appointments and counts pairs of
// non-cancelled appointments whose intervals overlap.
func (s *Simulator) VerifyNoOverlaps(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	overlaps := 0
	for _, doctor := range s.pool.Doctors {
		var active []appointment.Appointment
		for offset := 0; ; offset += 100 {
			var page api.ListAppointmentsResponse
			path := fmt.Sprintf("/appointments?doctor_id=%s&limit=100&offset=%d", doctor.ID, offset)
			status, err := s.do(ctx, http.MethodGet, path, s.pool.Admin.ID, nil, func(dec *json.Decoder) error {
				return dec.Decode(&page)
			})
			if err != nil {
				return 0, err
			}
			if status != http.StatusOK {
				return 0, fmt.Errorf("list appointments for doctor %s: status %d", doctor.ID, status)
			}
			for _, a := range page.Items {
				if a.Status != appointment.StatusCancelled {
					active = append(active, a)
				}
			}
			if len(page.Items) < 100 {
				break
			}
		}

		for i := range active {
			for j := i + 1; j < len(active); j++ {
				if appointment.Overlaps(active[i].StartAt, active[i].EndAt, active[j].StartAt, active[j].EndAt) {
					overlaps++
					s.log.Error().
						Str("doctor_id", doctor.ID.String()).
						Str("a", active[i].ID.String()).
						Str("b", active[j].ID.String()).
						Msg("overlap")
				}
			}
		}
		s.log.Info().Str("doctor_id", doctor.ID.String()).Int("active", len(active)).Msg("doctor verified")
	}
	return overlaps, nil
}

// do sends one JSON request as the given actor. decode runs only on 2xx
// responses that carry a body.
func (s *Simulator) do(ctx context.Context, method, path string, as uuid.UUID, body any, decode func(*json.Decoder) error) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.pool.Token(as))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if decode != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := decode(json.NewDecoder(resp.Body)); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Doctors: %d  Patients: %d\n", s.config.Doctors, s.config.Patients)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Start encounter", &s.metrics.StartEncounter)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by doctor", &s.metrics.ListByDoctor)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, min, max, p50, p95 := om.Stats()

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
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
