package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/sync"
	"github.com/xelth-com/seedtrackgo/internal/utils"
	"github.com/xelth-com/seedtrackgo/internal/validation"
)

var ErrPairingPending = errors.New("offline: device is waiting for approval")

// Remote talks to the sync server for everything except change submission
type Remote struct {
	BaseURL  func() string
	Token    string
	Identity *utils.DeviceIdentity
	Client   *http.Client
	Now      func() time.Time
}

// NewRemote creates a Remote. now should be the adjusted clock.
func NewRemote(baseURL func() string, token string, identity *utils.DeviceIdentity, now func() time.Time) *Remote {
	if now == nil {
		now = time.Now
	}
	return &Remote{BaseURL: baseURL, Token: token, Identity: identity, Client: sync.NewHTTPClient(30 * time.Second), Now: now}
}

func (r *Remote) do(ctx context.Context, method, path string, in, out interface{}) error {
	return r.doAs(ctx, r.Token, method, path, in, out)
}

func (r *Remote) doAs(ctx context.Context, token, method, path string, in, out interface{}) error {
	base := strings.TrimRight(r.BaseURL(), "/")
	if base == "" {
		return sync.ErrOffline
	}
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	req, err := sync.MakeAuthenticatedRequest(ctx, method, base+path, body, token)
	if err != nil {
		return err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Pair runs the signed registration handshake and returns the device token
func (r *Remote) Pair(ctx context.Context, name, enrollmentSecret string) (string, error) {
	sig, err := r.Identity.Sign(utils.RegistrationMessage(r.Identity.DeviceID, r.Identity.PublicKey))
	if err != nil {
		return "", err
	}
	var resp struct {
		Status  string `json:"status"`
		Token   string `json:"token"`
		Message string `json:"message"`
	}
	err = r.do(ctx, http.MethodPost, "/api/devices/register", map[string]string{
		"deviceId":         r.Identity.DeviceID,
		"deviceName":       name,
		"devicePublicKey":  r.Identity.PublicKey,
		"signature":        sig,
		"enrollmentSecret": enrollmentSecret,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: %s", ErrPairingPending, resp.Message)
	}
	r.Token = resp.Token
	return resp.Token, nil
}

// FetchBundle downloads a treatment snapshot
func (r *Remote) FetchBundle(ctx context.Context, treatmentID string) (Bundle, error) {
	var wire struct {
		Treatment   models.ServerTreatment    `json:"treatment"`
		Applicators []models.ServerApplicator `json:"applicators"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/treatments/"+treatmentID+"/bundle", nil, &wire); err != nil {
		return Bundle{}, err
	}

	b := Bundle{Treatment: models.Treatment{
		ID:         wire.Treatment.ID,
		Type:       wire.Treatment.Type,
		Indication: wire.Treatment.Indication,
		Site:       wire.Treatment.Site,
		Completed:  wire.Treatment.Completed,
		Version:    wire.Treatment.Version,
	}}
	for _, a := range wire.Applicators {
		status, ok := validation.ParseStatus(a.Status)
		if !ok {
			return Bundle{}, fmt.Errorf("applicator %s has unknown status %q", a.Serial, a.Status)
		}
		b.Applicators = append(b.Applicators, models.Applicator{
			Serial:       a.Serial,
			TreatmentID:  wire.Treatment.ID,
			SeedQuantity: a.SeedQuantity,
			Status:       status,
			SyncStatus:   models.SyncSynced,
			Version:      a.Version,
			Comment:      a.Comment,
		})
	}
	return b, nil
}

// Finalize signs and sends a finalization request
func (r *Remote) Finalize(ctx context.Context, treatmentID, actor string) error {
	signedAt := r.Now().Unix()
	sig, err := r.Identity.Sign(utils.FinalizationMessage(treatmentID, actor, signedAt))
	if err != nil {
		return err
	}
	return r.do(ctx, http.MethodPost, "/api/treatments/"+treatmentID+"/finalize", map[string]interface{}{
		"actor":     actor,
		"signedAt":  signedAt,
		"signature": sig,
	}, nil)
}

// VerifyAdmin asks the server who adminToken belongs to. A resolver built
// from the answer may decide admin-only conflicts.
func (r *Remote) VerifyAdmin(ctx context.Context, adminToken string) (sync.Resolver, error) {
	if adminToken == "" {
		return sync.Resolver{}, sync.ErrAdminRequired
	}
	var who struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if err := r.doAs(ctx, adminToken, http.MethodGet, "/admin/whoami", nil, &who); err != nil {
		return sync.Resolver{}, fmt.Errorf("%w: %v", sync.ErrAdminRequired, err)
	}
	if who.Role != sync.RoleAdmin || who.Name == "" {
		return sync.Resolver{}, sync.ErrAdminRequired
	}
	return sync.Resolver{ID: who.Name, Role: sync.RoleAdmin, Token: adminToken}, nil
}
