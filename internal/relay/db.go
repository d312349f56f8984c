package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/campuslink/campuscall/internal/models"
	"github.com/campuslink/campuscall/internal/store"
)

var errUnknownTable = errors.New("unknown table")

// InsertRecord creates a row in the named table and broadcasts the
// INSERT event. Ownership columns are taken from the authenticated
// user, never from the request body.
func (h *Handlers) InsertRecord(c *gin.Context) {
	userID := c.GetString("user_id")
	table := c.Param("table")

	var record store.Record
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch table {
	case "call_invitations":
		var inv models.CallInvitation
		if err := store.Decode(record, &inv); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed invitation"})
			return
		}
		inv.ID = ""
		inv.FromUserID = userID
		inv.CreatedAt = h.nowFn()
		if inv.Status == "" {
			inv.Status = models.CallStatusPending
		}
		if inv.ToUserID == "" || inv.CallType == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to_user_id and call_type are required"})
			return
		}
		if err := h.db.Create(&inv).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create invitation"})
			return
		}
		out, err := store.Encode(&inv)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failed"})
			return
		}
		h.broadcastInvitation(store.EventInsert, &inv, out)
		if !h.hub.IsOnline(inv.ToUserID) {
			go h.pushIncomingCall(&inv)
		}
		c.JSON(http.StatusCreated, out)

	case "push_subscriptions":
		var sub models.PushSubscription
		if err := store.Decode(record, &sub); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed subscription"})
			return
		}
		sub.ID = ""
		sub.UserID = userID
		if err := h.db.Create(&sub).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
			return
		}
		out, _ := store.Encode(&sub)
		c.JSON(http.StatusCreated, out)

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": errUnknownTable.Error()})
	}
}

type updateRequest struct {
	Filter store.Filter `json:"filter" binding:"required"`
	Patch  store.Record `json:"patch" binding:"required"`
}

// UpdateRecords applies a patch to the rows matching the filter in one
// transaction. A filter that matches nothing yields 404, which the
// store client reports as a lost conditional update.
func (h *Handlers) UpdateRecords(c *gin.Context) {
	userID := c.GetString("user_id")
	if c.Param("table") != "call_invitations" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errUnknownTable.Error()})
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, _ := req.Filter["id"].(string)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filter must include id"})
		return
	}

	var patch models.CallInvitation
	if err := store.Decode(req.Patch, &patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed patch"})
		return
	}
	// The offer is written once at insert and never changes. The answer
	// rides along with the accept, nowhere else.
	columns := make([]string, 0, len(req.Patch))
	var hasStatus, hasAnswer bool
	for col := range req.Patch {
		switch col {
		case "status":
			hasStatus = true
		case "answer":
			hasAnswer = true
		case "ice_candidates":
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "column not updatable: " + col})
			return
		}
		columns = append(columns, col)
	}
	if hasStatus {
		switch patch.Status {
		case models.CallStatusAccepted, models.CallStatusRejected, models.CallStatusEnded:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + string(patch.Status)})
			return
		}
	}
	if hasAnswer && patch.Status != models.CallStatusAccepted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "answer may only be written when accepting"})
		return
	}

	var updated models.CallInvitation
	err := h.db.Transaction(func(tx *gorm.DB) error {
		var current models.CallInvitation
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			return err
		}
		if !current.Involves(userID) {
			return errForbidden
		}
		// Lifecycle check independent of the caller-supplied filter; a
		// bad transition reads the same as a lost conditional update.
		if hasStatus && !validStatusChange(current.Status, patch.Status) {
			return gorm.ErrRecordNotFound
		}
		res := tx.Model(&models.CallInvitation{}).
			Where(map[string]any(req.Filter)).
			Select(columns).
			Updates(&patch)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.First(&updated, "id = ?", id).Error
	})
	if err != nil {
		h.writeDBError(c, err)
		return
	}

	out, _ := store.Encode(&updated)
	h.broadcastInvitation(store.EventUpdate, &updated, out)
	c.JSON(http.StatusOK, out)
}

// SelectRecords returns the rows matching the JSON filter in the
// `filter` query parameter.
func (h *Handlers) SelectRecords(c *gin.Context) {
	userID := c.GetString("user_id")
	table := c.Param("table")

	filter := store.Filter{}
	if raw := c.Query("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed filter"})
			return
		}
	}

	switch table {
	case "call_invitations":
		var rows []models.CallInvitation
		if err := h.db.Where(map[string]any(filter)).Find(&rows).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		out := make([]store.Record, 0, len(rows))
		for i := range rows {
			if !rows[i].Involves(userID) {
				continue
			}
			rec, _ := store.Encode(&rows[i])
			out = append(out, rec)
		}
		c.JSON(http.StatusOK, out)

	case "users":
		var rows []models.User
		if err := h.db.Where(map[string]any(filter)).Find(&rows).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		out := make([]store.Record, 0, len(rows))
		for i := range rows {
			rec, _ := store.Encode(&rows[i])
			out = append(out, rec)
		}
		c.JSON(http.StatusOK, out)

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": errUnknownTable.Error()})
	}
}

type appendRequest struct {
	ID     string          `json:"id" binding:"required"`
	Column string          `json:"column" binding:"required"`
	Value  json.RawMessage `json:"value" binding:"required"`
}

// AppendToArray appends one element to a JSON array column inside a
// transaction, so concurrent appends from both peers never lose
// entries.
func (h *Handlers) AppendToArray(c *gin.Context) {
	userID := c.GetString("user_id")
	if c.Param("table") != "call_invitations" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errUnknownTable.Error()})
		return
	}

	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Column != "ice_candidates" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "column not appendable: " + req.Column})
		return
	}

	var candidate models.IceCandidate
	if err := json.Unmarshal(req.Value, &candidate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed candidate"})
		return
	}

	var updated models.CallInvitation
	err := h.db.Transaction(func(tx *gorm.DB) error {
		var inv models.CallInvitation
		if err := tx.First(&inv, "id = ?", req.ID).Error; err != nil {
			return err
		}
		if !inv.Involves(userID) {
			return errForbidden
		}
		inv.IceCandidates = append(inv.IceCandidates, candidate)
		if err := tx.Model(&inv).Select("ice_candidates").Updates(&inv).Error; err != nil {
			return err
		}
		updated = inv
		return nil
	})
	if err != nil {
		h.writeDBError(c, err)
		return
	}

	out, _ := store.Encode(&updated)
	h.broadcastInvitation(store.EventUpdate, &updated, out)
	c.JSON(http.StatusOK, out)
}

// validStatusChange enforces the invitation lifecycle: pending resolves
// exactly once, an accepted call can only end, and rejected/ended are
// final.
func validStatusChange(from, to models.CallStatus) bool {
	switch from {
	case models.CallStatusPending:
		return to == models.CallStatusAccepted || to == models.CallStatusRejected || to == models.CallStatusEnded
	case models.CallStatusAccepted:
		return to == models.CallStatusEnded
	default:
		return false
	}
}

var errForbidden = errors.New("record belongs to another user")

func (h *Handlers) writeDBError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no record matches filter"})
	case errors.Is(err, errForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": errForbidden.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
	}
}

// broadcastInvitation fans the change event out to both call parties'
// feed connections.
func (h *Handlers) broadcastInvitation(evType store.EventType, inv *models.CallInvitation, record store.Record) {
	payload, err := json.Marshal(store.Event{
		Type:   evType,
		Table:  "call_invitations",
		Record: record,
	})
	if err != nil {
		return
	}
	h.hub.SendToUser(inv.FromUserID, payload)
	if inv.ToUserID != inv.FromUserID {
		h.hub.SendToUser(inv.ToUserID, payload)
	}
}
