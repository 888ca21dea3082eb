// Package sharedcontext implements the versioned, checksum-verified
// key/value store agents use to coordinate, grounded on SyncManager from the
// original implementation: atomic version bump, canonical-JSON SHA-256
// checksum, timestamp-delta conflict detection, and single-worker ordered
// subscriber notification.
package sharedcontext

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/model"
)

const conflictWindow = 1 * time.Second

// Resolver decides the value to keep when a conflict is detected. It must be
// deterministic and must not block; the default is last-write-wins.
type Resolver func(existing, incoming *model.SharedContextEntry) any

// LastWriteWins is the default conflict Resolver.
func LastWriteWins(existing, incoming *model.SharedContextEntry) any {
	return incoming.Value
}

// Notification is delivered to a subscriber when a key they watch changes.
type Notification struct {
	Entry     model.SharedContextEntry
	UpdatedBy string
}

type subscriber struct {
	agentID string
	keys    map[string]struct{}
	ch      chan Notification
}

// PromotionSink receives best-effort knowledge-base promotions (§4.4
// "Knowledge promotion"). Implemented by the persistence store adapter.
type PromotionSink interface {
	PromoteKnowledge(ctx context.Context, key string, value any, category string, confidence float64, source string) error
}

// Metrics is the subset of the OpenTelemetry instrument set the synchronizer
// records against. Satisfied by *otel.Metrics; nil disables recording.
type Metrics interface {
	RecordContextUpdate(ctx context.Context)
}

// Synchronizer is the single owner of the shared-context partition. All
// mutation goes through update, so a single mutex is sufficient and
// notification ordering falls out of processing the queue with one worker.
type Synchronizer struct {
	mu       sync.Mutex
	entries  map[string]*model.SharedContextEntry
	subs     map[string]*subscriber
	resolver Resolver
	logger   *slog.Logger
	promote  PromotionSink
	metrics  Metrics

	notifyCh chan Notification
	nowFn    func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Synchronizer and starts its single notification worker.
// Call Close to stop the worker.
func New(logger *slog.Logger, promote PromotionSink) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synchronizer{
		entries:  make(map[string]*model.SharedContextEntry),
		subs:     make(map[string]*subscriber),
		resolver: LastWriteWins,
		logger:   logger,
		promote:  promote,
		notifyCh: make(chan Notification, 256),
		nowFn:    time.Now,
		done:     make(chan struct{}),
	}
	go s.notifyLoop()
	return s
}

// SetMetrics wires an OpenTelemetry instrument set into the synchronizer.
// Must be called before Update is first invoked; nil is a safe no-op.
func (s *Synchronizer) SetMetrics(m Metrics) {
	s.metrics = m
}

// SetResolver replaces the conflict-resolution policy.
func (s *Synchronizer) SetResolver(r Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
}

// Close stops the background notification worker.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Synchronizer) notifyLoop() {
	for {
		select {
		case <-s.done:
			return
		case n := <-s.notifyCh:
			s.deliver(n)
		}
	}
}

func (s *Synchronizer) deliver(n Notification) {
	s.mu.Lock()
	targets := make([]*subscriber, 0)
	for _, sub := range s.subs {
		if sub.agentID == n.UpdatedBy {
			continue
		}
		if _, watching := sub.keys[n.Entry.Key]; watching {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- n:
		default:
			s.logger.Warn("sharedcontext_notification_dropped", "agent_id", sub.agentID, "key", n.Entry.Key)
		}
	}
}

// Subscribe registers agentID's interest in keys and returns a channel that
// receives notifications for updates by other agents, in acceptance order.
func (s *Synchronizer) Subscribe(agentID string, keys []string) <-chan Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[agentID]
	if !ok {
		sub = &subscriber{agentID: agentID, keys: make(map[string]struct{}), ch: make(chan Notification, 64)}
		s.subs[agentID] = sub
	}
	for _, k := range keys {
		sub.keys[k] = struct{}{}
	}
	return sub.ch
}

// Update atomically bumps the version for key, computes its checksum,
// resolves any conflict, and queues a notification for other subscribers.
func (s *Synchronizer) Update(agentID, key string, value any, metadata map[string]any) (model.SharedContextEntry, error) {
	now := s.nowFn()

	s.mu.Lock()
	existing, hadExisting := s.entries[key]

	finalValue := value
	if hadExisting && now.Sub(existing.Timestamp) < conflictWindow && !valuesEqual(existing.Value, value) {
		finalValue = s.resolver(existing, &model.SharedContextEntry{
			Key: key, Value: value, UpdatedBy: agentID, Timestamp: now, Metadata: metadata,
		})
	}

	checksum, err := checksumOf(finalValue)
	if err != nil {
		s.mu.Unlock()
		return model.SharedContextEntry{}, err
	}

	version := int64(1)
	if hadExisting {
		version = existing.Version + 1
	}

	entry := &model.SharedContextEntry{
		Key: key, Value: finalValue, UpdatedBy: agentID, Timestamp: now,
		Version: version, Metadata: metadata, Checksum: checksum,
	}
	s.entries[key] = entry
	result := *entry
	s.mu.Unlock()

	select {
	case s.notifyCh <- Notification{Entry: result, UpdatedBy: agentID}:
	default:
		s.logger.Warn("sharedcontext_notify_queue_full", "key", key)
	}

	if s.metrics != nil {
		s.metrics.RecordContextUpdate(context.Background())
	}

	if s.promote != nil && truthy(metadata["promote"]) {
		category, _ := metadata["category"].(string)
		if category == "" {
			category = "general"
		}
		confidence := 1.0
		if c, ok := metadata["confidence"].(float64); ok {
			confidence = c
		}
		go func() {
			if err := s.promote.PromoteKnowledge(context.Background(), key, finalValue, category, confidence, agentID); err != nil {
				s.logger.Warn("knowledge_promotion_failed", "key", key, "error", err)
			}
		}()
	}

	return result, nil
}

// Get returns the entry for key only if its checksum still verifies against
// its value; otherwise it is treated as absent (model.ErrChecksumMismatch).
func (s *Synchronizer) Get(key string) (model.SharedContextEntry, error) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return model.SharedContextEntry{}, model.ErrChecksumMismatch
	}

	checksum, err := checksumOf(entry.Value)
	if err != nil {
		return model.SharedContextEntry{}, err
	}
	if checksum != entry.Checksum {
		s.logger.Warn("sharedcontext_checksum_mismatch", "key", key)
		return model.SharedContextEntry{}, model.ErrChecksumMismatch
	}
	return *entry, nil
}

func checksumOf(value any) (string, error) {
	canonical, err := canonicalJSON(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON serializes value with map keys sorted, mirroring
// json.dumps(value, sort_keys=True) from the original implementation so the
// checksum is stable regardless of map iteration order.
func canonicalJSON(value any) ([]byte, error) {
	normalized, err := normalize(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return sortedCopy(generic), nil
}

func sortedCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]any, len(t))
		for _, k := range keys {
			ordered[k] = sortedCopy(t[k])
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return t
	}
}

func valuesEqual(a, b any) bool {
	aj, err1 := canonicalJSON(a)
	bj, err2 := canonicalJSON(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(aj) == string(bj)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	default:
		return true
	}
}
