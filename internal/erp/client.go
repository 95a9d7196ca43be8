// Package erp reads applicator safety metadata from the inventory system
// and keeps the on-device cache used while offline.
package erp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kolo/xmlrpc"
	"github.com/xelth-com/seedtrackgo/internal/validation"
)

var (
	ErrUnavailable = errors.New("erp: inventory service unavailable")
	ErrLotNotFound = errors.New("erp: serial not known to inventory")
)

// stock.lot fields read for an applicator
const (
	lotModel            = "stock.lot"
	fieldName           = "name"
	fieldExpiration     = "expiration_date"
	fieldNoUse          = "x_no_use"
	fieldTreatmentTypes = "x_treatment_types"
	fieldQuantity       = "product_qty"
)

var lotFields = []string{fieldName, fieldExpiration, fieldNoUse, fieldTreatmentTypes, fieldQuantity}

// Client is an XML-RPC client for the inventory system
type Client struct {
	URL       string
	Database  string
	Username  string
	Password  string
	CommonURL string
	ObjectURL string
	Transport http.RoundTripper
	Timeout   time.Duration

	mu  sync.Mutex
	uid int
}

// NewClient creates a new inventory client
func NewClient(url, db, username, password string) *Client {
	url = strings.TrimRight(url, "/")
	return &Client{
		URL:       url,
		Database:  db,
		Username:  username,
		Password:  password,
		CommonURL: fmt.Sprintf("%s/xmlrpc/2/common", url),
		ObjectURL: fmt.Sprintf("%s/xmlrpc/2/object", url),
		Timeout:   30 * time.Second,
	}
}

// call runs one XML-RPC call, abandoning it when ctx ends
func (c *Client) call(ctx context.Context, endpoint, method string, args, reply interface{}) error {
	client, err := xmlrpc.NewClient(endpoint, c.Transport)
	if err != nil {
		return fmt.Errorf("failed to create XML-RPC client: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		defer client.Close()
		done <- client.Call(method, args, reply)
	}()

	timer := time.NewTimer(c.Timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s timed out after %s", method, c.Timeout)
	}
}

// Authenticate authenticates and returns the user ID
func (c *Client) Authenticate(ctx context.Context) (int, error) {
	args := []interface{}{c.Database, c.Username, c.Password, make([]interface{}, 0)}
	var uid int
	if err := c.call(ctx, c.CommonURL, "authenticate", args, &uid); err != nil {
		return 0, fmt.Errorf("authentication failed: %w", err)
	}
	if uid == 0 {
		return 0, errors.New("authentication failed: invalid credentials")
	}

	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
	return uid, nil
}

func (c *Client) session(ctx context.Context) (int, error) {
	c.mu.Lock()
	uid := c.uid
	c.mu.Unlock()
	if uid != 0 {
		return uid, nil
	}
	return c.Authenticate(ctx)
}

// SearchRead performs a search_read on model and returns the raw records
func (c *Client) SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, limit int) ([]map[string]interface{}, error) {
	uid, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	args := []interface{}{
		c.Database,
		uid,
		c.Password,
		model,
		"search_read",
		[]interface{}{domain},
		map[string]interface{}{
			"fields": fields,
			"limit":  limit,
		},
	}

	var rawResult []map[string]interface{}
	if err := c.call(ctx, c.ObjectURL, "execute_kw", args, &rawResult); err != nil {
		return nil, fmt.Errorf("failed to execute search_read: %w", err)
	}
	return rawResult, nil
}

// FetchLot reads the safety metadata of one serial number
func (c *Client) FetchLot(ctx context.Context, serial string) (*validation.ERPMetadata, error) {
	domain := []interface{}{[]interface{}{fieldName, "=", serial}}
	records, err := c.SearchRead(ctx, lotModel, domain, lotFields, 1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(records) == 0 {
		return nil, ErrLotNotFound
	}
	return lotMetadata(serial, records[0]), nil
}

// lotMetadata maps a stock.lot record. Unset fields arrive as false.
func lotMetadata(serial string, rec map[string]interface{}) *validation.ERPMetadata {
	meta := &validation.ERPMetadata{Serial: serial}

	if s, ok := rec[fieldExpiration].(string); ok && s != "" {
		for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				meta.ExpiryDate = &t
				break
			}
		}
	}
	if b, ok := rec[fieldNoUse].(bool); ok {
		meta.NoUse = b
	}
	if s, ok := rec[fieldTreatmentTypes].(string); ok {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				meta.TreatmentTypes = append(meta.TreatmentTypes, part)
			}
		}
	}
	switch q := rec[fieldQuantity].(type) {
	case int64:
		meta.SeedCount = int(q)
	case int:
		meta.SeedCount = q
	case float64:
		meta.SeedCount = int(q)
	}
	return meta
}
