package state

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

// HTTPConfig is the remote state backend configuration. The wire shape is
// Terraform-compatible: read/write on address, lock/unlock on dedicated
// addresses with configurable methods.
type HTTPConfig struct {
	Address       string            `mapstructure:"address"`
	UpdateMethod  string            `mapstructure:"update_method"`
	LockAddress   string            `mapstructure:"lock_address"`
	LockMethod    string            `mapstructure:"lock_method"`
	UnlockAddress string            `mapstructure:"unlock_address"`
	UnlockMethod  string            `mapstructure:"unlock_method"`
	Username      string            `mapstructure:"username"`
	Password      string            `mapstructure:"password"`
	Headers       map[string]string `mapstructure:"headers"`

	// Timeout applies to every request, in seconds. Zero means 60.
	Timeout uint `mapstructure:"timeout"`

	SkipCertVerification   bool   `mapstructure:"skip_cert_verification"`
	ClientCACertificatePEM string `mapstructure:"client_ca_certificate_pem"`
	ClientCertificatePEM   string `mapstructure:"client_certificate_pem"`
	ClientPrivateKeyPEM    string `mapstructure:"client_private_key_pem"`
}

// HTTP is the remote state store.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger

	mu   sync.Mutex
	info engine.LockInfo
}

var headerKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NewHTTP creates an HTTP store from its configuration.
func NewHTTP(cfg HTTPConfig, logger zerolog.Logger) (*HTTP, error) {
	if cfg.Address == "" {
		return nil, engine.Errorf(engine.KindConfig, "http state backend requires an address")
	}
	if err := checkHeaders(cfg); err != nil {
		return nil, err
	}

	timeout := 60 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.SkipCertVerification, //nolint:gosec
	}
	if cfg.ClientCACertificatePEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(cfg.ClientCACertificatePEM)) {
			return nil, engine.Errorf(engine.KindConfig, "invalid client CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCertificatePEM != "" || cfg.ClientPrivateKeyPEM != "" {
		cert, err := tls.X509KeyPair([]byte(cfg.ClientCertificatePEM), []byte(cfg.ClientPrivateKeyPEM))
		if err != nil {
			return nil, engine.NewError(engine.KindConfig, "invalid client certificate", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		logger: logger.With().Str("component", "state-http").Logger(),
	}, nil
}

func checkHeaders(cfg HTTPConfig) error {
	for key, value := range cfg.Headers {
		if key == "" || value == "" {
			return engine.Errorf(engine.KindConfig, "remote http state header key or value cannot be empty")
		}
		if !isASCII(value) {
			return engine.Errorf(engine.KindConfig, "remote http state header value must only contain ascii characters")
		}
		if !headerKeyPattern.MatchString(key) {
			return engine.Errorf(engine.KindConfig, "remote http state header key must only contain A-Za-z0-9-_ characters")
		}
		switch strings.ToLower(key) {
		case "content-type", "content-md5":
			return engine.Errorf(engine.KindConfig, "remote http state header key %s is reserved", key)
		case "authorization":
			if cfg.Username != "" {
				return engine.Errorf(engine.KindConfig, "authorization header cannot be set when providing username")
			}
		}
	}
	return nil
}

func isASCII(s string) bool {
	for _, c := range s {
		if c > 127 {
			return false
		}
	}
	return true
}

func (h *HTTP) request(ctx context.Context, method, url string, body []byte, query map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, engine.NewError(engine.KindStateIO, "invalid state request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range h.cfg.Headers {
		req.Header.Set(key, value)
	}
	if h.cfg.Username != "" {
		req.SetBasicAuth(h.cfg.Username, h.cfg.Password)
	}
	q := req.URL.Query()
	for key, value := range query {
		q.Set(key, value)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, engine.NewError(engine.KindStateIO, "unable to reach state store", err)
	}
	return resp, nil
}

// Load fetches the state; a 404 yields an empty document with exists=false.
func (h *HTTP) Load(ctx context.Context) (*engine.StateDoc, bool, error) {
	resp, err := h.request(ctx, http.MethodGet, h.cfg.Address, nil, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, engine.NewError(engine.KindStateIO, "unable to read state response", err)
		}
		doc, err := Decode(data)
		if err != nil {
			return nil, false, engine.NewError(engine.KindStateIO, "unable to decode state", err)
		}
		return doc, true, nil
	case http.StatusNotFound:
		return engine.NewStateDoc(), false, nil
	default:
		return nil, false, engine.Errorf(engine.KindStateIO, "unable to retrieve state: %s", resp.Status)
	}
}

// Save writes the full document; the remote replaces it atomically.
func (h *HTTP) Save(ctx context.Context, doc *engine.StateDoc) error {
	if doc.Lineage == "" {
		doc.Lineage = uuid.NewString()
	}
	doc.Serial++

	data, err := Encode(doc)
	if err != nil {
		doc.Serial--
		return engine.NewError(engine.KindStateIO, "unable to encode state", err)
	}

	method := h.cfg.UpdateMethod
	if method == "" {
		method = http.MethodPost
	}

	query := map[string]string{}
	h.mu.Lock()
	if h.info.ID != "" {
		query["ID"] = h.info.ID
	}
	h.mu.Unlock()

	resp, err := h.request(ctx, method, h.cfg.Address, data, query)
	if err != nil {
		doc.Serial--
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		doc.Serial--
		return engine.Errorf(engine.KindStateIO, "unable to save state: %s", resp.Status)
	}

	h.logger.Debug().Uint64("serial", doc.Serial).Msg("state saved")
	return nil
}

// Lock acquires the remote lock. An HTTP 423 or 409 response signals a
// conflict; the holder's lock info is parsed from the response body.
func (h *HTTP) Lock(ctx context.Context, info engine.LockInfo) (string, error) {
	if h.cfg.LockAddress == "" {
		// Locking disabled by configuration; operate unlocked.
		h.mu.Lock()
		h.info = info
		h.mu.Unlock()
		return info.ID, nil
	}

	method := h.cfg.LockMethod
	if method == "" {
		method = "LOCK"
	}

	body, err := json.Marshal(info)
	if err != nil {
		return "", engine.NewError(engine.KindStateIO, "unable to encode lock info", err)
	}

	resp, err := h.request(ctx, method, h.cfg.LockAddress, body, map[string]string{"ID": info.ID})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
		h.mu.Lock()
		h.info = info
		h.mu.Unlock()
		return info.ID, nil
	case http.StatusLocked, http.StatusConflict:
		holder, created := parseHolder(resp.Body)
		return "", engine.NewStateLocked(holder, created)
	default:
		return "", engine.Errorf(engine.KindStateIO, "unable to lock state: %s", resp.Status)
	}
}

// Unlock releases the lock; the token must match the acquisition ID.
func (h *HTTP) Unlock(ctx context.Context, token string) error {
	h.mu.Lock()
	info := h.info
	h.info = engine.LockInfo{}
	h.mu.Unlock()

	if h.cfg.UnlockAddress == "" {
		return nil
	}
	if info.ID != "" && info.ID != token {
		return engine.Errorf(engine.KindStateLocked, "lock token mismatch: held %q, got %q", info.ID, token)
	}
	info.ID = token

	method := h.cfg.UnlockMethod
	if method == "" {
		method = "UNLOCK"
	}

	body, err := json.Marshal(info)
	if err != nil {
		return engine.NewError(engine.KindStateIO, "unable to encode lock info", err)
	}

	resp, err := h.request(ctx, method, h.cfg.UnlockAddress, body, map[string]string{"ID": token})
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return engine.Errorf(engine.KindStateIO, "unable to unlock state: %s", resp.Status)
	}
	return nil
}

func parseHolder(body io.Reader) (string, time.Time) {
	data, err := io.ReadAll(io.LimitReader(body, 1<<16))
	if err != nil {
		return "unknown", time.Time{}
	}
	var info engine.LockInfo
	if err := json.Unmarshal(data, &info); err != nil || info.ID == "" {
		holder := strings.TrimSpace(string(data))
		if holder == "" {
			holder = "unknown"
		}
		return holder, time.Time{}
	}
	created, _ := time.Parse(time.RFC3339, info.Created)
	return info.ID, created
}

// String describes the backend for log output.
func (h *HTTP) String() string {
	return fmt.Sprintf("http state backend at %s", h.cfg.Address)
}
