package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"gradesync/backend/internal/shared"
)

// Credential sources, in priority order
const (
	SourceInlineJSON = "REMOTE_CREDENTIALS_JSON"
	SourceFileEnv    = "REMOTE_CREDENTIALS_FILE"
	SourceLocalFile  = "credentials.json"
	SourceAmbient    = "MONGO_URI"
)

// LocalCredentialsFile is the well-known file checked after the env sources
var LocalCredentialsFile = "credentials.json"

// Credentials locate and authenticate against the remote store
type Credentials struct {
	URI      string `json:"uri"`
	Database string `json:"database,omitempty"`
}

// LookupFunc reads an environment variable
type LookupFunc func(key string) (string, bool)

// ResolveCredentials tries every credential source in priority order and
// returns the first usable one with the name of its source. A source that
// is present but broken is an error, it does not fall through.
func ResolveCredentials(lookup LookupFunc) (Credentials, string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if raw, ok := lookup(SourceInlineJSON); ok && strings.TrimSpace(raw) != "" {
		creds, err := parseCredentials([]byte(raw))
		if err != nil {
			return Credentials{}, "", fmt.Errorf("%s: %w", SourceInlineJSON, err)
		}
		return creds, SourceInlineJSON, nil
	}

	if path, ok := lookup(SourceFileEnv); ok && strings.TrimSpace(path) != "" {
		creds, err := readCredentialsFile(path)
		if err != nil {
			return Credentials{}, "", fmt.Errorf("%s: %w", SourceFileEnv, err)
		}
		return creds, SourceFileEnv, nil
	}

	if _, err := os.Stat(LocalCredentialsFile); err == nil {
		creds, err := readCredentialsFile(LocalCredentialsFile)
		if err != nil {
			return Credentials{}, "", fmt.Errorf("%s: %w", LocalCredentialsFile, err)
		}
		return creds, SourceLocalFile, nil
	}

	if uri, ok := lookup(SourceAmbient); ok && strings.TrimSpace(uri) != "" {
		return Credentials{URI: strings.TrimSpace(uri)}, SourceAmbient, nil
	}

	return Credentials{}, "", &CredentialError{Tried: []string{SourceInlineJSON, SourceFileEnv, LocalCredentialsFile, SourceAmbient}}
}

// Open resolves credentials, connects and returns a ready Adapter. Nothing
// touches the network when no credentials resolve.
func Open(ctx context.Context, config *shared.ServiceConfig, log *zap.Logger) (*Adapter, error) {
	creds, source, err := ResolveCredentials(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	log.Info("Remote credentials resolved", zap.String("source", source))

	mongoConfig := config.MongoDB
	mongoConfig.URI = creds.URI
	if creds.Database != "" {
		mongoConfig.Database = creds.Database
	}

	client, db, err := shared.ConnectMongoDB(ctx, &mongoConfig, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	backend := NewMongoBackend(client, db, log)
	if err := backend.EnsureIndexes(ctx); err != nil {
		log.Warn("Index creation failed, counts may fall back", zap.Error(err))
	}

	return NewAdapter(backend, config.Reconcile, log), nil
}

func readCredentialsFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	return parseCredentials(data)
}

func parseCredentials(data []byte) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("invalid credential JSON: %w", err)
	}
	if strings.TrimSpace(creds.URI) == "" {
		return Credentials{}, fmt.Errorf("credential has no uri")
	}
	return creds, nil
}
