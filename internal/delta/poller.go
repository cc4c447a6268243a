package delta

import (
	"context"
	"errors"
	"fmt"

	"syncbridge/internal/domain"
	"syncbridge/internal/logging"
	"syncbridge/internal/metrics"
	"syncbridge/internal/models"

	"github.com/rs/zerolog"
)

const (
	cursorKeyPrefix = "delta:cursor:"
	// maxPages bounds one walk; a feed that keeps handing out nextLinks is treated as failed.
	maxPages = 500
)

// ErrTooManyPages is returned when a walk does not reach the end of the feed within maxPages.
var ErrTooManyPages = errors.New("delta feed did not terminate")

// Handler consumes the items of a completed walk. The cursor advances only when it returns nil.
type Handler func(ctx context.Context, items []models.ChangeEvent) error

// Poller walks one source's delta feed and keeps its resumption cursor in the state store.
type Poller struct {
	source models.Source
	feed   domain.DeltaSource
	store  domain.StateStore
	logger zerolog.Logger
}

func NewPoller(source models.Source, feed domain.DeltaSource, store domain.StateStore, logger *zerolog.Logger) *Poller {
	return &Poller{
		source: source,
		feed:   feed,
		store:  store,
		logger: logging.Component(logger, "delta").With().Str("source", string(source)).Logger(),
	}
}

func (p *Poller) cursorKey() string {
	return cursorKeyPrefix + string(p.source)
}

// Cursor returns the stored resumption cursor, "" when none was saved yet.
func (p *Poller) Cursor(ctx context.Context) (string, error) {
	raw, err := p.store.Get(ctx, p.cursorKey())
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load delta cursor: %w", err)
	}
	return string(raw), nil
}

// Poll walks every page starting at cursor. On any page failure it returns the error
// and no partial result.
func (p *Poller) Poll(ctx context.Context, cursor string) (models.PollResult, error) {
	var res models.PollResult
	link := cursor
	for {
		if res.Pages >= maxPages {
			return models.PollResult{}, ErrTooManyPages
		}
		page, err := p.feed.FetchPage(ctx, link)
		if err != nil {
			metrics.IncDeltaPage(string(p.source), "error")
			return models.PollResult{}, fmt.Errorf("delta page %d: %w", res.Pages+1, err)
		}
		metrics.IncDeltaPage(string(p.source), "ok")
		res.Pages++
		res.Items = append(res.Items, page.Items...)

		if page.NextLink != "" {
			link = page.NextLink
			continue
		}
		res.NextCursor = page.DeltaLink
		if res.NextCursor == "" {
			// The feed ended without handing out a new cursor; resume from where this walk started.
			res.NextCursor = cursor
		}
		return res, nil
	}
}

// RunOnce polls from the stored cursor, hands the items to handle and then saves the new cursor.
func (p *Poller) RunOnce(ctx context.Context, handle Handler) (models.PollResult, error) {
	cursor, err := p.Cursor(ctx)
	if err != nil {
		return models.PollResult{}, err
	}

	res, err := p.Poll(ctx, cursor)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Delta walk failed, cursor kept")
		return models.PollResult{}, err
	}

	if handle != nil && len(res.Items) > 0 {
		if err := handle(ctx, res.Items); err != nil {
			p.logger.Warn().Err(err).Int("items", len(res.Items)).Msg("Delta hand-off failed, cursor kept")
			return res, fmt.Errorf("handle delta items: %w", err)
		}
	}

	if res.NextCursor != "" && res.NextCursor != cursor {
		if err := p.store.Set(ctx, p.cursorKey(), []byte(res.NextCursor), 0); err != nil {
			return res, fmt.Errorf("save delta cursor: %w", err)
		}
	}

	p.logger.Info().Int("pages", res.Pages).Int("items", len(res.Items)).Msg("Delta walk completed")
	return res, nil
}

// Reset forgets the stored cursor so the next walk starts from scratch.
func (p *Poller) Reset(ctx context.Context) error {
	return p.store.Delete(ctx, p.cursorKey())
}
