package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/whakoom-crawler/internal/schema"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StageEntityStart   Stage = "ENTITY_START"
	StageEntityDone    Stage = "ENTITY_DONE"
	StageEntityFailed  Stage = "ENTITY_FAILED"
	StageItemPersisted Stage = "ITEM_PERSISTED"
	StageItemDropped   Stage = "ITEM_DROPPED"
)

// Event is one crawl milestone.
type Event struct {
	// RunID identifies the crawl session.
	RunID string
	// TS is the UTC time the emitter recorded.
	TS    time.Time
	Stage Stage
	// Kind and EntityID scope entity and item events.
	Kind     schema.Kind
	EntityID string
	// Attempts is set on dropped items.
	Attempts int
	// Dur is the elapsed time for finished runs and entities.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageEntityStart, StageEntityDone, StageEntityFailed, StageItemPersisted, StageItemDropped:
		if e.Kind == "" {
			return fmt.Errorf("%s requires kind", e.Stage)
		}
		if e.EntityID == "" {
			return fmt.Errorf("%s requires entity id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
