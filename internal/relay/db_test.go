package relay

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
)

func createInvitation(t *testing.T, router *gin.Engine, fromToken, toUserID string, body map[string]any) string {
	t.Helper()
	if body == nil {
		body = map[string]any{}
	}
	body["to_user_id"] = toUserID
	if _, ok := body["call_type"]; !ok {
		body["call_type"] = "video"
	}
	w := doJSON(t, router, http.MethodPost, "/api/db/call_invitations", fromToken, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("insert status = %d, body = %s", w.Code, w.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode insert: %v", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("insert did not return an id")
	}
	return id
}

func TestTerminalStatusIsFinal(t *testing.T) {
	router := newTestRouter(t)
	alice := register(t, router, "alice")
	bob := register(t, router, "bob")
	id := createInvitation(t, router, alice.Token, bob.User.ID, nil)

	reject := map[string]any{
		"filter": map[string]any{"id": id, "status": "pending"},
		"patch":  map[string]any{"status": "rejected"},
	}
	if w := doJSON(t, router, http.MethodPatch, "/api/db/call_invitations", bob.Token, reject); w.Code != http.StatusOK {
		t.Fatalf("reject status = %d, body = %s", w.Code, w.Body.String())
	}

	// A bare id filter must not resurrect a resolved invitation, no
	// matter which participant tries or which status they aim for.
	resurrect := map[string]any{
		"filter": map[string]any{"id": id},
		"patch":  map[string]any{"status": "pending"},
	}
	if w := doJSON(t, router, http.MethodPatch, "/api/db/call_invitations", bob.Token, resurrect); w.Code != http.StatusBadRequest {
		t.Fatalf("resurrect to pending status = %d, want 400", w.Code)
	}
	for _, token := range []string{alice.Token, bob.Token} {
		accept := map[string]any{
			"filter": map[string]any{"id": id},
			"patch":  map[string]any{"status": "accepted"},
		}
		if w := doJSON(t, router, http.MethodPatch, "/api/db/call_invitations", token, accept); w.Code != http.StatusNotFound {
			t.Fatalf("accept after reject status = %d, want 404", w.Code)
		}
	}

	w := doJSON(t, router, http.MethodGet, "/api/db/call_invitations", alice.Token, nil)
	var rows []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil || len(rows) != 1 {
		t.Fatalf("select: %v, %d rows", err, len(rows))
	}
	if rows[0]["status"] != "rejected" {
		t.Fatalf("stored status = %v, want rejected", rows[0]["status"])
	}
}

func TestAcceptedCallCanOnlyEnd(t *testing.T) {
	router := newTestRouter(t)
	alice := register(t, router, "alice")
	bob := register(t, router, "bob")
	id := createInvitation(t, router, alice.Token, bob.User.ID, nil)

	accept := map[string]any{
		"filter": map[string]any{"id": id, "status": "pending"},
		"patch":  map[string]any{"status": "accepted"},
	}
	if w := doJSON(t, router, http.MethodPatch, "/api/db/call_invitations", bob.Token, accept); w.Code != http.StatusOK {
		t.Fatalf("accept status = %d, body = %s", w.Code, w.Body.String())
	}

	reject := map[string]any{
		"filter": map[string]any{"id": id},
		"patch":  map[string]any{"status": "rejected"},
	}
	if w := doJSON(t, router, http.MethodPatch, "/api/db/call_invitations", alice.Token, reject); w.Code != http.StatusNotFound {
		t.Fatalf("reject after accept status = %d, want 404", w.Code)
	}

	end := map[string]any{
		"filter": map[string]any{"id": id, "status": "accepted"},
		"patch":  map[string]any{"status": "ended"},
	}
	if w := doJSON(t, router, http.MethodPatch, "/api/db/call_invitations", alice.Token, end); w.Code != http.StatusOK {
		t.Fatalf("end status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestOfferAndAnswerAreWriteOnce(t *testing.T) {
	router := newTestRouter(t)
	alice := register(t, router, "alice")
	bob := register(t, router, "bob")
	id := createInvitation(t, router, alice.Token, bob.User.ID, map[string]any{
		"offer": map[string]any{"type": "offer", "sdp": "v=0 original"},
	})

	// The offer column is not patchable at all.
	forge := map[string]any{
		"filter": map[string]any{"id": id},
		"patch":  map[string]any{"offer": map[string]any{"type": "offer", "sdp": "v=0 forged"}},
	}
	if w := doJSON(t, router, http.MethodPatch, "/api/db/call_invitations", bob.Token, forge); w.Code != http.StatusBadRequest {
		t.Fatalf("offer patch status = %d, want 400", w.Code)
	}

	// The answer only rides along with the accept.
	loneAnswer := map[string]any{
		"filter": map[string]any{"id": id},
		"patch":  map[string]any{"answer": map[string]any{"type": "answer", "sdp": "v=0 early"}},
	}
	if w := doJSON(t, router, http.MethodPatch, "/api/db/call_invitations", bob.Token, loneAnswer); w.Code != http.StatusBadRequest {
		t.Fatalf("lone answer patch status = %d, want 400", w.Code)
	}

	accept := map[string]any{
		"filter": map[string]any{"id": id, "status": "pending"},
		"patch": map[string]any{
			"status": "accepted",
			"answer": map[string]any{"type": "answer", "sdp": "v=0 answer"},
		},
	}
	if w := doJSON(t, router, http.MethodPatch, "/api/db/call_invitations", bob.Token, accept); w.Code != http.StatusOK {
		t.Fatalf("accept status = %d, body = %s", w.Code, w.Body.String())
	}

	// Accepting again to rewrite the answer loses the lifecycle check.
	if w := doJSON(t, router, http.MethodPatch, "/api/db/call_invitations", bob.Token, map[string]any{
		"filter": map[string]any{"id": id},
		"patch": map[string]any{
			"status": "accepted",
			"answer": map[string]any{"type": "answer", "sdp": "v=0 rewritten"},
		},
	}); w.Code != http.StatusNotFound {
		t.Fatalf("re-accept status = %d, want 404", w.Code)
	}

	w := doJSON(t, router, http.MethodGet, "/api/db/call_invitations", alice.Token, nil)
	var rows []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil || len(rows) != 1 {
		t.Fatalf("select: %v, %d rows", err, len(rows))
	}
	offer, _ := rows[0]["offer"].(map[string]any)
	if offer["sdp"] != "v=0 original" {
		t.Fatalf("stored offer sdp = %v, want original", offer["sdp"])
	}
	answer, _ := rows[0]["answer"].(map[string]any)
	if answer["sdp"] != "v=0 answer" {
		t.Fatalf("stored answer sdp = %v, want the accept's answer", answer["sdp"])
	}
}
