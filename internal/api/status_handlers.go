package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/whakoom-crawler/internal/crawlstate"
	"github.com/JakeFAU/whakoom-crawler/internal/schema"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

var statusKinds = []schema.Kind{schema.KindList, schema.KindTitle}

// getStatus handles GET /v1/status. It returns status counts per kind.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker unavailable")
		return
	}
	out := make(map[schema.Kind]map[schema.Status]int64, len(statusKinds))
	for _, kind := range statusKinds {
		counts, err := s.deps.Tracker.StatusCounts(r.Context(), kind)
		if err != nil {
			s.logger.Error("status counts failed", zap.String("kind", string(kind)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to count statuses")
			return
		}
		out[kind] = counts
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": out})
}

// getWorkSet handles GET /v1/worksets/{kind}?mode=pending|all. It answers 400
// for kinds without scrape status or unknown modes.
func (s *Server) getWorkSet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker unavailable")
		return
	}
	kind, err := schema.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := crawlstate.ParseMode(strings.TrimSpace(r.URL.Query().Get("mode")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := s.deps.Tracker.SelectWorkSet(r.Context(), kind, mode)
	if err != nil {
		if errors.Is(err, crawlstate.ErrUnsupportedKind) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("select work set failed", zap.String("kind", string(kind)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to select work set")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":  kind,
		"mode":  mode,
		"count": len(items),
		"items": items,
	})
}

// getEntity handles GET /v1/entities/{kind}/{id}. Only kinds keyed by a
// single integer column are addressable.
func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Entities == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	kind, err := schema.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	table, err := schema.TableFor(kind)
	if err != nil || len(table.Key) != 1 || kind == schema.KindScrapingLog {
		writeError(w, http.StatusBadRequest, "kind is not addressable by id")
		return
	}
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	row, ok, err := s.deps.Entities.SelectByID(r.Context(), table.Name, table.Key[0], id)
	if err != nil {
		s.logger.Error("select entity failed", zap.String("kind", string(kind)), zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load entity")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	resp := map[string]any{"kind": kind, "entity": row}
	if s.deps.Tracker != nil && (kind == schema.KindList || kind == schema.KindTitle) {
		entries, err := s.deps.Tracker.EntityLog(r.Context(), idStr)
		if err != nil {
			s.logger.Warn("entity log failed", zap.String("kind", string(kind)), zap.Int64("id", id), zap.Error(err))
		} else {
			resp["log"] = filterLog(entries, kind)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// filterLog keeps the start and finish entries written for kind.
func filterLog(entries []crawlstate.LogRecord, kind schema.Kind) []crawlstate.LogRecord {
	out := make([]crawlstate.LogRecord, 0, len(entries))
	for _, e := range entries {
		if e.OperationType == string(kind) {
			out = append(out, e)
		}
	}
	return out
}

// getLog handles GET /v1/log?limit=&entity=. With entity set it returns that
// entity's entries oldest first; otherwise the newest entries first.
func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker unavailable")
		return
	}
	limit, err := parseLimit(r, defaultLogLimit, maxLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var entries []crawlstate.LogRecord
	if entity := strings.TrimSpace(r.URL.Query().Get("entity")); entity != "" {
		entries, err = s.deps.Tracker.EntityLog(r.Context(), entity)
		if err == nil && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries, err = s.deps.Tracker.RecentLog(r.Context(), limit)
	}
	if err != nil {
		s.logger.Error("read log failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// getMigrations handles GET /v1/migrations.
func (s *Server) getMigrations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Migrations == nil {
		writeError(w, http.StatusServiceUnavailable, "migrations unavailable")
		return
	}
	applied, err := s.deps.Migrations.Applied(r.Context())
	if err != nil {
		s.logger.Error("list migrations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list migrations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrations": applied})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
