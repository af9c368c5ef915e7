package translate

import (
	"context"
	"strconv"
	"sync"

	"eventbot/internal/apperr"
	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"
)

// LangSettings keeps each user's preferred target language, used by the
// generic translate reaction and by /tr without an argument.
type LangSettings struct {
	mu    sync.RWMutex
	st    storage.Store
	langs map[int64]string
	log   logx.Logger
}

func NewLangSettings(st storage.Store, log logx.Logger) *LangSettings {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LangSettings{st: st, langs: map[int64]string{}, log: log.Component("langs")}
}

// Load reads every saved preference. Unknown codes are skipped.
func (s *LangSettings) Load(ctx context.Context) error {
	if s.st == nil {
		return nil
	}
	loaded := map[int64]string{}
	err := storage.Each(ctx, s.st, storage.KindUserLangs, 200, func(rec storage.Record) error {
		uid, err := strconv.ParseInt(rec.Key, 10, 64)
		code, _ := rec.Fields["lang"].(string)
		if _, ok := LookupLang(code); err != nil || !ok {
			s.log.Warn("skip malformed language setting", logx.String("key", rec.Key))
			return nil
		}
		loaded[uid] = code
		return nil
	})
	if err != nil {
		return &apperr.PersistenceError{Op: "load", Kind: storage.KindUserLangs, Err: err}
	}
	s.mu.Lock()
	s.langs = loaded
	s.mu.Unlock()
	s.log.Debug("language settings loaded", logx.Int("users", len(loaded)))
	return nil
}

func (s *LangSettings) Get(userID int64) (Lang, bool) {
	s.mu.RLock()
	code, ok := s.langs[userID]
	s.mu.RUnlock()
	if !ok {
		return Lang{}, false
	}
	return LookupLang(code)
}

// Set stores the preference. raw is a language code or flag.
func (s *LangSettings) Set(ctx context.Context, userID int64, raw string) (Lang, error) {
	l, ok := LookupLang(raw)
	if !ok {
		return Lang{}, apperr.Validation("lang", "unsupported language %q, use one of: %s", raw, FlagSummary())
	}
	s.mu.Lock()
	s.langs[userID] = l.Code
	s.mu.Unlock()

	if s.st != nil {
		key := strconv.FormatInt(userID, 10)
		if err := s.st.Upsert(ctx, storage.KindUserLangs, key, storage.Fields{"lang": l.Code}); err != nil {
			return l, &apperr.PersistenceError{Op: "upsert", Kind: storage.KindUserLangs, Key: key, Err: err}
		}
	}
	return l, nil
}
