package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/statrelay/statrelay/pkg/stats"
)

// Store is the two-tier cache facade. Reads waterfall from the fast tier to
// the durable tier; writes land in both. Tier outages degrade reads to the
// surviving tier instead of failing.
type Store struct {
	l1     *TierL1
	l2     *TierL2
	gate   *ReadGate
	logger zerolog.Logger
}

// NewStore combines both tiers behind one read/write surface.
func NewStore(l1 *TierL1, l2 *TierL2, gate *ReadGate, logger zerolog.Logger) *Store {
	if l1 == nil || l2 == nil {
		panic("both cache tiers are required")
	}
	if gate == nil {
		gate = NewReadGate(0, 0)
	}
	return &Store{l1: l1, l2: l2, gate: gate, logger: logger}
}

// GetWithSWR reads one key through the tier waterfall. A fast-tier outage
// falls through to the durable tier; a durable-tier hit is backfilled into
// the fast tier without blocking the caller.
func (s *Store) GetWithSWR(ctx context.Context, key string) (*SWREntry, error) {
	swr, err := s.l1.GetWithSWR(ctx, key)
	if err != nil {
		s.gate.NoteL1Error()
		s.logger.Warn().Err(err).Str("key", key).Msg("Fast tier read failed, falling through")
	} else {
		s.gate.NoteL1OK()
		if swr != nil {
			return swr, nil
		}
	}

	if !s.gate.AllowRead() {
		s.logger.Debug().Str("key", key).Msg("Durable tier read suppressed")
		return nil, ErrUnavailable
	}

	swr, l2err := s.l2.GetWithSWR(ctx, key)
	if l2err != nil {
		if err != nil {
			return nil, errors.Join(err, l2err)
		}
		return nil, l2err
	}
	if swr == nil {
		return nil, nil
	}

	if err == nil && !swr.IsStale {
		s.backfill(ctx, key, &swr.Entry)
	}
	return swr, nil
}

// GetMany reads several keys through the tier waterfall. Keys the fast tier
// misses are batch-loaded from the durable tier; fresh durable hits are
// backfilled.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]*SWREntry, error) {
	result, err := s.l1.GetMany(ctx, keys)
	if err != nil {
		s.gate.NoteL1Error()
		s.logger.Warn().Err(err).Int("keys", len(keys)).Msg("Fast tier batch read failed, falling through")
		result = make(map[string]*SWREntry, len(keys))
	} else {
		s.gate.NoteL1OK()
	}

	var missing []string
	for _, key := range keys {
		if _, ok := result[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	if !s.gate.AllowRead() {
		s.logger.Debug().Int("keys", len(missing)).Msg("Durable tier batch read suppressed")
		return result, nil
	}

	fromL2, l2err := s.l2.GetMany(ctx, missing)
	if l2err != nil {
		s.logger.Warn().Err(l2err).Int("keys", len(missing)).Msg("Durable tier batch read failed")
		return result, nil
	}
	for key, swr := range fromL2 {
		result[key] = swr
		if err == nil && !swr.IsStale {
			s.backfill(ctx, key, &swr.Entry)
		}
	}
	return result, nil
}

// SetBoth writes an entry to both tiers. Per-tier failures are joined so a
// caller can log and continue; a value is never lost to a single tier
// outage.
func (s *Store) SetBoth(ctx context.Context, key string, value *stats.Minimal, meta Metadata) error {
	if !ValidSource(meta.Source) {
		meta.Source = SourceUpstream
	}

	l1err := s.l1.Set(ctx, key, value, meta)
	if l1err != nil {
		s.logger.Warn().Err(l1err).Str("key", key).Msg("Fast tier write failed")
	}
	l2err := s.l2.Set(ctx, key, value, meta)
	if l2err != nil {
		s.logger.Warn().Err(l2err).Str("key", key).Msg("Durable tier write failed")
	}
	return errors.Join(l1err, l2err)
}

// Delete removes keys from both tiers, returning the durable-tier row count.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	l1err := s.l1.Delete(ctx, keys...)
	if l1err != nil {
		s.logger.Warn().Err(l1err).Int("keys", len(keys)).Msg("Fast tier delete failed")
	}
	deleted, l2err := s.l2.Delete(ctx, keys)
	return deleted, errors.Join(l1err, l2err)
}

// GetNameMapping reads a name→ID mapping through the tier waterfall.
func (s *Store) GetNameMapping(ctx context.Context, name string) (*NameMapping, error) {
	mapping, err := s.l1.GetNameMapping(ctx, name)
	if err != nil {
		s.gate.NoteL1Error()
	} else {
		s.gate.NoteL1OK()
		if mapping != nil {
			return mapping, nil
		}
	}

	if !s.gate.AllowRead() {
		return nil, ErrUnavailable
	}

	mapping, l2err := s.l2.GetNameMapping(ctx, name)
	if l2err != nil {
		return nil, errors.Join(err, l2err)
	}
	if mapping == nil {
		return nil, nil
	}

	if err == nil {
		bg := context.WithoutCancel(ctx)
		go func() {
			setCtx, cancel := context.WithTimeout(bg, 2*time.Second)
			defer cancel()
			if berr := s.l1.SetNameMapping(setCtx, mapping, time.Until(mapping.ExpiresAt)); berr != nil {
				Backfills.WithLabelValues("error").Inc()
				return
			}
			Backfills.WithLabelValues("ok").Inc()
		}()
	}
	return mapping, nil
}

// SetNameMapping writes a mapping to both tiers.
func (s *Store) SetNameMapping(ctx context.Context, mapping *NameMapping) error {
	if mapping.ExpiresAt.IsZero() {
		mapping.ExpiresAt = time.Now().Add(s.l2.NameTTL())
	}

	l1err := s.l1.SetNameMapping(ctx, mapping, time.Until(mapping.ExpiresAt))
	if l1err != nil {
		s.logger.Warn().Err(l1err).Str("name", mapping.Name).Msg("Fast tier mapping write failed")
	}
	l2err := s.l2.SetNameMapping(ctx, mapping)
	if l2err != nil {
		s.logger.Warn().Err(l2err).Str("name", mapping.Name).Msg("Durable tier mapping write failed")
	}
	return errors.Join(l1err, l2err)
}

// DeleteNameMappings removes mappings from both tiers.
func (s *Store) DeleteNameMappings(ctx context.Context, names []string) (int64, error) {
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = NameKey(name)
	}
	l1err := s.l1.Delete(ctx, keys...)
	deleted, l2err := s.l2.DeleteNameMappings(ctx, names)
	return deleted, errors.Join(l1err, l2err)
}

// PurgeExpired removes durable-tier rows beyond the stale window.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.l2.PurgeExpired(ctx, now)
}

// backfill copies a durable-tier hit into the fast tier without blocking
// the read path. The parent's cancellation is detached so an early client
// disconnect does not abort the write.
func (s *Store) backfill(ctx context.Context, key string, entry *Entry) {
	bg := context.WithoutCancel(ctx)
	go func() {
		setCtx, cancel := context.WithTimeout(bg, 2*time.Second)
		defer cancel()
		if err := s.l1.SetEntry(setCtx, key, entry); err != nil {
			Backfills.WithLabelValues("error").Inc()
			s.logger.Debug().Err(err).Str("key", key).Msg("Fast tier backfill failed")
			return
		}
		Backfills.WithLabelValues("ok").Inc()
	}()
}
