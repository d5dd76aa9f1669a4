package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"time"

	"tilecast/internal/core/domain"
	"tilecast/pkg/cache"
	apperrors "tilecast/pkg/errors"
	"tilecast/pkg/utils"
	"tilecast/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Presenters is the part of the subscriber registry the viewer API drives.
type Presenters interface {
	Roster() []*domain.PresenceRecord
	CurrentPage() domain.Page
	RecomputeWindow(page int) (domain.Page, error)
	Pin(id domain.ClientID) error
	Unpin(id domain.ClientID) error
	Session(id domain.ClientID) (domain.ClientSession, error)
	SessionInfo(id domain.ClientID) (domain.ClientSession, error)
	GetFinalImage(ctx context.Context, id domain.ClientID) (*image.RGBA, error)
}

// TileEncoder writes finished tiles to HTTP responses.
type TileEncoder interface {
	ContentType() string
	EncodeTo(w io.Writer, img image.Image) error
}

type ViewerHandler struct {
	presenters Presenters
	encoder    TileEncoder
	tileWait   time.Duration
	snapshots  *cache.Cache[[]byte]
	logger     *zap.SugaredLogger
}

// snapshotTTL bounds how long an encoded snapshot is reused.
const snapshotTTL = 5 * time.Second

func NewViewerHandler(presenters Presenters, encoder TileEncoder, tileWait time.Duration, logger *zap.SugaredLogger) *ViewerHandler {
	if tileWait <= 0 {
		tileWait = time.Second
	}
	return &ViewerHandler{
		presenters: presenters,
		encoder:    encoder,
		tileWait:   tileWait,
		snapshots:  cache.NewCache[[]byte](snapshotTTL),
		logger:     logger,
	}
}

func (h *ViewerHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/presenters", h.ListPresenters)
	api.GET("/presenters/:id", h.GetPresenter)
	api.GET("/presenters/:id/tile", h.GetTile)
	api.POST("/presenters/:id/pin", h.Pin)
	api.DELETE("/presenters/:id/pin", h.Unpin)
	api.GET("/layout", h.GetLayout)
	api.PUT("/layout/page/:page", h.SetPage)
}

type presenterView struct {
	*domain.PresenceRecord
	Tile       domain.Resolution `json:"tile"`
	Generation uint64            `json:"generation"`
	// ExpiresIn is the time left on the liveness timer.
	ExpiresIn string `json:"expires_in,omitempty"`
}

type layoutView struct {
	Page  domain.Page       `json:"page"`
	Grid  domain.Grid       `json:"grid"`
	Tiles domain.Resolution `json:"tile"`
}

func (h *ViewerHandler) view(record *domain.PresenceRecord) presenterView {
	v := presenterView{PresenceRecord: record}
	if session, err := h.presenters.SessionInfo(record.ID); err == nil {
		v.Tile = session.Tile
		v.Generation = session.Generation
		if !session.Deadline.IsZero() {
			v.ExpiresIn = utils.FormatDuration(utils.TimeUntil(session.Deadline))
		}
	}
	return v
}

func (h *ViewerHandler) ListPresenters(c *gin.Context) {
	roster := h.presenters.Roster()
	views := make([]presenterView, 0, len(roster))
	for _, record := range roster {
		views = append(views, h.view(record))
	}
	c.JSON(http.StatusOK, gin.H{
		"presenters": views,
		"total":      len(views),
		"page":       h.presenters.CurrentPage(),
	})
}

func (h *ViewerHandler) GetPresenter(c *gin.Context) {
	id, ok := h.presenterID(c)
	if !ok {
		return
	}
	for _, record := range h.presenters.Roster() {
		if record.ID == id {
			c.JSON(http.StatusOK, h.view(record))
			return
		}
	}
	_ = c.Error(domain.ErrSessionNotFound)
}

func (h *ViewerHandler) GetLayout(c *gin.Context) {
	c.JSON(http.StatusOK, h.layout(h.presenters.CurrentPage()))
}

func (h *ViewerHandler) SetPage(c *gin.Context) {
	index, err := validation.ParsePage(c.Param("page"))
	if err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("page", c.Param("page")))
		return
	}

	page, err := h.presenters.RecomputeWindow(index)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Infow("layout page changed", "requested", index, "page", page.Index, "visible", len(page.Visible))
	c.JSON(http.StatusOK, h.layout(page))
}

func (h *ViewerHandler) layout(page domain.Page) layoutView {
	view := layoutView{Page: page, Grid: page.Grid}
	for _, id := range page.Visible {
		if session, err := h.presenters.SessionInfo(id); err == nil {
			view.Tiles = session.Tile
			break
		}
	}
	return view
}

func (h *ViewerHandler) Pin(c *gin.Context) {
	h.setPinned(c, true)
}

func (h *ViewerHandler) Unpin(c *gin.Context) {
	h.setPinned(c, false)
}

func (h *ViewerHandler) setPinned(c *gin.Context, pinned bool) {
	id, ok := h.presenterID(c)
	if !ok {
		return
	}

	var err error
	if pinned {
		err = h.presenters.Pin(id)
	} else {
		err = h.presenters.Unpin(id)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     id,
		"pinned": pinned,
		"page":   h.presenters.CurrentPage(),
	})
}

// GetTile returns the next finished tile of a presenter. With ?snapshot=true
// the latest tile is returned without waiting.
func (h *ViewerHandler) GetTile(c *gin.Context) {
	id, ok := h.presenterID(c)
	if !ok {
		return
	}

	if snapshot, _ := strconv.ParseBool(c.Query("snapshot")); snapshot {
		session, err := h.presenters.Session(id)
		if err != nil {
			_ = c.Error(err)
			return
		}
		h.writeSnapshot(c, session)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.tileWait)
	defer cancel()

	img, err := h.presenters.GetFinalImage(ctx, id)
	switch {
	case err == nil:
		h.writeTile(c, id, img)
	case errors.Is(err, domain.ErrSessionNotFound):
		_ = c.Error(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrNoTile):
		c.Status(http.StatusNoContent)
	case errors.Is(err, context.Canceled):
		c.Abort()
	default:
		_ = c.Error(err)
	}
}

func (h *ViewerHandler) writeTile(c *gin.Context, id domain.ClientID, img *image.RGBA) {
	if img == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.Header("Content-Type", h.encoder.ContentType())
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	if err := h.encoder.EncodeTo(c.Writer, img); err != nil {
		h.logger.Warnw("failed to write tile", "client_id", id, "error", err)
	}
}

// writeSnapshot encodes each stitched frame once and serves the cached
// bytes to later readers.
func (h *ViewerHandler) writeSnapshot(c *gin.Context, session domain.ClientSession) {
	if session.Image == nil {
		c.Status(http.StatusNoContent)
		return
	}
	key := fmt.Sprintf("%s:%d:%d", session.ID, session.Generation, session.Frame)
	data, err := h.snapshots.GetOrSet(key, func() ([]byte, error) {
		var buf bytes.Buffer
		if err := h.encoder.EncodeTo(&buf, session.Image); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Tile-Frame", strconv.FormatUint(session.Frame, 10))
	c.Data(http.StatusOK, h.encoder.ContentType(), data)
}

func (h *ViewerHandler) presenterID(c *gin.Context) (domain.ClientID, bool) {
	raw := c.Param("id")
	if err := validation.ValidateClientID(raw); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("id", raw))
		return "", false
	}
	return domain.ClientID(raw), true
}
