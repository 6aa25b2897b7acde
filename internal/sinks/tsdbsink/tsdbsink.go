// Package tsdbsink batches temperature and counter readings and ships
// them to an OpenTSDB-compatible HTTP "/api/put" endpoint. Grounded in
// event/tsdbhandler.py's OpenTSDBEventHandler for the point shape (metric,
// timestamp, value, tags) and single-batch-per-flush cadence, with the
// queueing itself grounded in the teacher's bus.trySend/drainOne: a
// bounded channel that drops the oldest pending point rather than
// blocking the dispatcher when the endpoint falls behind.
package tsdbsink

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jangala-dev/owmaster/internal/owlog"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

const (
	queueLen       = 256
	flushInterval  = 5 * time.Second
	putPath        = "/api/put"
	requestTimeout = 10 * time.Second
)

// point is one OpenTSDB data point, matching the `/api/put` JSON shape.
type point struct {
	Metric    string            `json:"metric"`
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags"`
}

// Sink is a dispatch.Handler queueing points for periodic HTTP delivery.
type Sink struct {
	log        owlog.Logger
	url        string
	extraTags  map[string]string
	httpClient *http.Client

	queue chan point
	done  chan struct{}
	wg    sync.WaitGroup
}

// New builds a sink posting batched points to baseURL+"/api/put".
// extraTags is merged into every point's tag set, mirroring the source's
// extra_tags dict.
func New(log owlog.Logger, baseURL string, extraTags map[string]string) *Sink {
	s := &Sink{
		log:        owlog.Component(log, "tsdbsink"),
		url:        strings.TrimRight(baseURL, "/") + putPath,
		extraTags:  extraTags,
		httpClient: &http.Client{Timeout: requestTimeout},
		queue:      make(chan point, queueLen),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// HandleEvent implements dispatch.Handler.
func (s *Sink) HandleEvent(ev owtypes.Event) {
	p, ok := s.build(ev)
	if !ok {
		return
	}
	s.enqueue(p)
}

// Shutdown implements dispatch.Handler: it flushes whatever is queued
// before returning.
func (s *Sink) Shutdown() {
	close(s.done)
	s.wg.Wait()
}

// build converts a temperature or counter event into a point; every other
// kind is dropped, matching the source's forwarded event types.
func (s *Sink) build(ev owtypes.Event) (point, bool) {
	var value float64
	var typeValue string

	switch ev.Kind {
	case owtypes.KindTemperature:
		typeValue = "temperature"
		value = ev.Temperature.Value
	case owtypes.KindCounter:
		typeValue = "counter"
		value = float64(ev.Counter)
	default:
		return point{}, false
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tags := make(map[string]string, len(s.extraTags)+3)
	for k, v := range s.extraTags {
		tags[k] = v
	}
	tags["sensor"] = ev.DeviceID
	tags["type"] = typeValue
	if ev.Alias != "" {
		tags["alias"] = ev.Alias
	}
	if ev.Channel != "" {
		tags["ch"] = ev.Channel
	}

	return point{Metric: "owfs.reading", Timestamp: ts.Unix(), Value: value, Tags: tags}, true
}

// enqueue is trySend/drainOne generalized to a single-value channel: a
// full queue drops its oldest pending point before admitting the new one,
// so a slow or unreachable endpoint never blocks the caller.
func (s *Sink) enqueue(p point) {
	select {
	case s.queue <- p:
		return
	default:
	}
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- p:
	default:
	}
}

// run drains the queue into timed batches, grounded in the source's
// per-interval batch upload.
func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []point
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.send(batch)
		batch = nil
	}

	for {
		select {
		case p := <-s.queue:
			batch = append(batch, p)
			if len(batch) >= queueLen {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for drained := false; !drained; {
				select {
				case p := <-s.queue:
					batch = append(batch, p)
				default:
					drained = true
				}
			}
			flush()
			return
		}
	}
}

// send posts one batch; failures are logged and the batch is dropped
// rather than retried, since the next tick's batch will carry fresher
// readings anyway.
func (s *Sink) send(batch []point) {
	body, err := json.Marshal(batch)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode OpenTSDB batch")
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to build OpenTSDB request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("url", s.url).Int("points", len(batch)).Msg("failed to reach OpenTSDB, dropping batch")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.log.Warn().Int("status", resp.StatusCode).Int("points", len(batch)).Msg("OpenTSDB rejected batch")
	}
}
