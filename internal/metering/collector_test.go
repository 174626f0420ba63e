package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockStore records all batches that were inserted.
type mockStore struct {
	mu       sync.Mutex
	batches  [][]Execution
	insertFn func(ctx context.Context, execs []Execution) error
}

func (m *mockStore) BatchInsert(ctx context.Context, execs []Execution) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, execs)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Execution, len(execs))
	copy(cp, execs)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockStore) totalInserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func sampleExecution(outcome string) Execution {
	return Execution{
		OrganizationID: "org-1",
		AgentID:        "agent-1",
		CallerID:       "caller-1",
		Tier:           "free",
		Timestamp:      time.Now(),
		Outcome:        outcome,
		TotalMs:        12.5,
	}
}

// startCollector runs Start in the background and returns a func that stops
// the collector and waits for Start to return.
func startCollector(c *Collector) func() {
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	return func() {
		c.Stop()
		<-done
	}
}

func TestCollector_RecordAddsToBuffer(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)

	c.Record(sampleExecution(OutcomeSuccess))
	c.Record(sampleExecution(OutcomeError))

	if got := c.Pending(); got != 2 {
		t.Fatalf("expected 2 pending records, got %d", got)
	}
	if ms.totalInserted() != 0 {
		t.Fatalf("expected 0 inserted before flush, got %d", ms.totalInserted())
	}
}

func TestCollector_FlushOnBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		records   int
		wantFlush int
	}{
		{"exact batch size triggers flush", 3, 3, 3},
		{"under batch size does not flush", 5, 3, 0},
		{"double batch size triggers two flushes", 2, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{}
			c := NewCollector(ms, tt.batchSize, time.Hour)

			for i := 0; i < tt.records; i++ {
				c.Record(sampleExecution(OutcomeSuccess))
			}

			if got := ms.totalInserted(); got != tt.wantFlush {
				t.Errorf("expected %d flushed records, got %d", tt.wantFlush, got)
			}
		})
	}
}

func TestCollector_StopDoesFinalFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)
	stop := startCollector(c)

	c.Record(sampleExecution(OutcomeSuccess))
	c.Record(sampleExecution(OutcomeRejected))
	c.Record(sampleExecution(OutcomeError))

	stop()

	if got := ms.totalInserted(); got != 3 {
		t.Fatalf("expected 3 records after Stop, got %d", got)
	}
	// A second Stop must not panic.
	c.Stop()
}

func TestCollector_TimerFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, 20*time.Millisecond)
	stop := startCollector(c)
	defer stop()

	c.Record(sampleExecution(OutcomeSuccess))

	deadline := time.Now().Add(2 * time.Second)
	for ms.totalInserted() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ms.totalInserted(); got != 1 {
		t.Fatalf("expected 1 record after timer flush, got %d", got)
	}
}

func TestCollector_InsertErrorDropsBatch(t *testing.T) {
	ms := &mockStore{insertFn: func(context.Context, []Execution) error {
		return errors.New("db down")
	}}
	c := NewCollector(ms, 1, time.Hour)

	c.Record(sampleExecution(OutcomeSuccess))

	if got := c.Pending(); got != 0 {
		t.Fatalf("failed batch should not be re-buffered, got %d pending", got)
	}
}

type flushLog struct {
	ok      []bool
	records int
}

func (f *flushLog) ObserveFlush(ok bool, records int, _ float64) {
	f.ok = append(f.ok, ok)
	f.records += records
}

func TestCollector_FlushMetrics(t *testing.T) {
	fail := false
	ms := &mockStore{}
	ms.insertFn = func(context.Context, []Execution) error {
		if fail {
			return errors.New("db down")
		}
		return nil
	}
	c := NewCollector(ms, 2, time.Hour)
	fl := &flushLog{}
	c.SetMetrics(fl)

	c.Record(sampleExecution(OutcomeSuccess))
	c.Record(sampleExecution(OutcomeError))
	fail = true
	c.Record(sampleExecution(OutcomeRejected))
	c.Record(sampleExecution(OutcomeSuccess))

	if len(fl.ok) != 2 || !fl.ok[0] || fl.ok[1] {
		t.Errorf("flush outcomes = %v, want [true false]", fl.ok)
	}
	if fl.records != 4 {
		t.Errorf("records = %d, want 4", fl.records)
	}
}

func TestCollector_ConcurrentRecords(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 10, time.Hour)
	stop := startCollector(c)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record(sampleExecution(OutcomeSuccess))
		}()
	}
	wg.Wait()
	stop()

	if got := ms.totalInserted(); got != 50 {
		t.Fatalf("expected 50 records, got %d", got)
	}
}

func TestSummarize(t *testing.T) {
	execs := []*Execution{
		{Outcome: OutcomeSuccess, PromptTokens: 10, CompletionTokens: 5, TotalMs: 10},
		{Outcome: OutcomeSuccess, PromptTokens: 3, CompletionTokens: 2, TotalMs: 20},
		{Outcome: OutcomeError, TotalMs: 30},
		{Outcome: OutcomeRejected, TotalMs: 0},
	}
	s := Summarize(execs)
	if s.TotalExecutions != 4 || s.SuccessCount != 2 || s.ErrorCount != 1 || s.RejectedCount != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.TotalTokens != 20 {
		t.Errorf("total tokens = %d, want 20", s.TotalTokens)
	}
	if s.AvgTotalMs != 15 {
		t.Errorf("avg total ms = %v, want 15", s.AvgTotalMs)
	}
}

func TestCursorRoundtrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	gotTS, gotID, err := DecodeCursor(EncodeCursor(ts, "exec-9"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !gotTS.Equal(ts) || gotID != "exec-9" {
		t.Errorf("got %v %q", gotTS, gotID)
	}
	if _, _, err := DecodeCursor("!!"); err == nil {
		t.Error("expected error for malformed cursor")
	}
}
