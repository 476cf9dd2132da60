package httpapi_test

import (
	"net/http"
	"testing"
)

func TestRecipients_CreateNormalizesAndValidates(t *testing.T) {
	fx := newFixture(t)
	admin := fx.loginAdmin(t, "ops@example.com")

	res := do(t, admin, http.MethodPost, fx.ts.URL+"/recipients",
		map[string]any{"email": "  Pat@Example.COM ", "name": "Pat"}, nil)
	wantStatus(t, res, http.StatusCreated)
	created := asMap(t, res)
	if created["email"] != "pat@example.com" {
		t.Fatalf("email %v, want lowercased pat@example.com", created["email"])
	}

	res = do(t, admin, http.MethodPost, fx.ts.URL+"/recipients",
		map[string]any{"email": "not-an-address"}, nil)
	wantEnvelope(t, res, http.StatusBadRequest, "BAD_REQUEST")

	res = do(t, admin, http.MethodPost, fx.ts.URL+"/recipients",
		map[string]any{"email": "pat@example.com"}, nil)
	wantEnvelope(t, res, http.StatusConflict, "CONFLICT")
}

func TestRecipients_AssignUnassignAndDelete(t *testing.T) {
	fx := newFixture(t)
	admin := fx.loginAdmin(t, "ops@example.com")
	bundleID := fx.createBundle(t, admin, "Contracts")
	recipientID := fx.createRecipient(t, admin, "pat@example.com")

	res := do(t, admin, http.MethodPost, fx.ts.URL+"/bundles/"+bundleID+"/recipients",
		map[string]any{"recipient_id": recipientID, "max_downloads": 3, "cooldown_seconds": 60}, nil)
	wantStatus(t, res, http.StatusCreated)
	assignment := asMap(t, res)
	if assignment["max_downloads"].(float64) != 3 {
		t.Fatalf("assignment %v, want max_downloads 3", assignment)
	}
	assignmentID := assignment["id"].(string)

	// Assigning the same pair twice is a conflict.
	res = do(t, admin, http.MethodPost, fx.ts.URL+"/bundles/"+bundleID+"/recipients",
		map[string]any{"recipient_id": recipientID}, nil)
	wantEnvelope(t, res, http.StatusConflict, "CONFLICT")

	res = do(t, admin, http.MethodGet, fx.ts.URL+"/bundles/"+bundleID+"/recipients", nil, nil)
	wantStatus(t, res, http.StatusOK)
	if l := asList(t, res); len(l) != 1 || l[0]["recipient_id"] != recipientID {
		t.Fatalf("assignment listing %v", l)
	}

	// The recipient view names the bundle.
	res = do(t, admin, http.MethodGet, fx.ts.URL+"/recipients/"+recipientID, nil, nil)
	wantStatus(t, res, http.StatusOK)
	rec := asMap(t, res)
	assignments, _ := rec["assignments"].([]any)
	if len(assignments) != 1 || assignments[0].(map[string]any)["bundle_name"] != "Contracts" {
		t.Fatalf("recipient assignments %v", rec["assignments"])
	}

	// A granted recipient cannot be deleted until unassigned.
	res = do(t, admin, http.MethodDelete, fx.ts.URL+"/recipients/"+recipientID, nil, nil)
	wantEnvelope(t, res, http.StatusConflict, "IN_USE")

	res = do(t, admin, http.MethodDelete,
		fx.ts.URL+"/bundles/"+bundleID+"/recipients?assignment_id="+assignmentID, nil, nil)
	wantStatus(t, res, http.StatusNoContent)
	res.Body.Close()

	res = do(t, admin, http.MethodDelete, fx.ts.URL+"/recipients/"+recipientID, nil, nil)
	wantStatus(t, res, http.StatusNoContent)
	res.Body.Close()
}

func TestRecipients_BatchAssign(t *testing.T) {
	fx := newFixture(t)
	admin := fx.loginAdmin(t, "ops@example.com")
	bundleID := fx.createBundle(t, admin, "Payroll")
	first := fx.createRecipient(t, admin, "one@example.com")
	second := fx.createRecipient(t, admin, "two@example.com")

	res := do(t, admin, http.MethodPost, fx.ts.URL+"/bundles/"+bundleID+"/recipients/batch",
		map[string]any{"assignments": []map[string]any{
			{"recipient_id": first, "max_downloads": 1},
			{"recipient_id": second},
		}}, nil)
	wantStatus(t, res, http.StatusCreated)
	if l := asList(t, res); len(l) != 2 {
		t.Fatalf("batch created %d assignments, want 2", len(l))
	}

	res = do(t, admin, http.MethodGet, fx.ts.URL+"/bundles/"+bundleID+"/recipients", nil, nil)
	wantStatus(t, res, http.StatusOK)
	if l := asList(t, res); len(l) != 2 {
		t.Fatalf("listing shows %d assignments, want 2", len(l))
	}
}

func TestRecipients_AssignRejectsBadLimits(t *testing.T) {
	fx := newFixture(t)
	admin := fx.loginAdmin(t, "ops@example.com")
	bundleID := fx.createBundle(t, admin, "Contracts")
	recipientID := fx.createRecipient(t, admin, "pat@example.com")

	res := do(t, admin, http.MethodPost, fx.ts.URL+"/bundles/"+bundleID+"/recipients",
		map[string]any{"recipient_id": recipientID, "max_downloads": 0}, nil)
	wantEnvelope(t, res, http.StatusBadRequest, "BAD_REQUEST")

	res = do(t, admin, http.MethodPost, fx.ts.URL+"/bundles/"+bundleID+"/recipients",
		map[string]any{"recipient_id": recipientID, "cooldown_seconds": -5}, nil)
	wantEnvelope(t, res, http.StatusBadRequest, "BAD_REQUEST")
}

func TestRecipients_OTPStartIsNotAnOracle(t *testing.T) {
	fx := newFixture(t)
	c := fx.newClient(t)

	// No such recipient: same 204, no mail.
	res := do(t, c, http.MethodPost, fx.ts.URL+"/auth/recipient/start",
		map[string]any{"email": "stranger@example.com"}, nil)
	wantStatus(t, res, http.StatusNoContent)
	res.Body.Close()
	if n := len(fx.mail.Messages()); n != 0 {
		t.Fatalf("unknown identity produced %d mails", n)
	}
}
