package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/physio-sync/internal/auth"
	"github.com/tbourn/physio-sync/internal/config"
	"github.com/tbourn/physio-sync/internal/domain"
	"github.com/tbourn/physio-sync/internal/remote"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func deviceEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_BACKEND", "file")
	t.Setenv("STORE_PATH", filepath.Join(t.TempDir(), "outbox.db"))
	t.Setenv("REMOTE_TRANSPORT", "memory")
	t.Setenv("LOG_LEVEL", "error")
}

func TestRecordStatusSync(t *testing.T) {
	deviceEnv(t)

	out, err := execute(t, "record", "--owner", "u1", "--payload", `{"knee_deg":92}`)
	require.NoError(t, err)
	var rec domain.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, domain.StatusPending, rec.SyncStatus)
	assert.Equal(t, domain.KindMeasurement, rec.Kind)

	_, err = execute(t, "record", "--owner", "u1", "--kind", "session")
	require.NoError(t, err)

	out, err = execute(t, "status", "--owner", "u1", "--records")
	require.NoError(t, err)
	var rep statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, domain.StatusCounts{Pending: 2}, rep.Counts)
	require.Len(t, rep.Records, 2)
	assert.Equal(t, rec.ID, rep.Records[0].ID)

	out, err = execute(t, "sync")
	require.NoError(t, err)
	var res domain.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Succeeded)

	out, err = execute(t, "retry-failed", "--max-retries", "2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Zero(t, res.Attempted)

	out, err = execute(t, "status")
	require.NoError(t, err)
	rep = statusReport{}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, domain.StatusCounts{Synced: 2}, rep.Counts)
	assert.Empty(t, rep.Records)
}

func TestRecord_RejectsBadPayload(t *testing.T) {
	deviceEnv(t)
	_, err := execute(t, "record", "--owner", "u1", "--payload", `[1,2]`)
	assert.ErrorContains(t, err, "--payload")

	_, err = execute(t, "record")
	assert.ErrorContains(t, err, "owner")
}

func TestToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("JWT_ISSUER", "physiosync")

	out, err := execute(t, "token", "--subject", "u7", "--ttl", "5m")
	require.NoError(t, err)

	claims, err := auth.Parse(strings.TrimSpace(out), auth.Config{Secret: "cli-secret", Issuer: "physiosync"})
	require.NoError(t, err)
	assert.Equal(t, "u7", claims.Subject)
	assert.True(t, claims.HasScope(auth.ScopeWrite))
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt, time.Minute)
}

func TestToken_NeedsSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := execute(t, "token", "--subject", "u7")
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--env-file", filepath.Join(dir, "nope.env"), "status"})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "nope.env", "an explicit env file must exist")
}

func TestNewSubmitter(t *testing.T) {
	cfg := config.Config{APIBasePath: "/api/v1"}
	cfg.Sync.DeliveryTimeout = time.Second

	cfg.Remote = config.RemoteConfig{Transport: "memory"}
	sub, closer, err := newSubmitter(cfg)
	require.NoError(t, err)
	assert.IsType(t, &remote.MemorySink{}, sub)
	assert.NoError(t, closer.Close())

	cfg.Remote = config.RemoteConfig{Transport: "HTTP", SinkURL: "http://sink:8080"}
	sub, closer, err = newSubmitter(cfg)
	require.NoError(t, err)
	assert.IsType(t, &remote.HTTPSubmitter{}, sub)
	assert.NoError(t, closer.Close())

	cfg.Remote = config.RemoteConfig{Transport: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "physio.records"}
	sub, closer, err = newSubmitter(cfg)
	require.NoError(t, err)
	assert.IsType(t, &remote.KafkaSubmitter{}, sub)
	assert.NoError(t, closer.Close())

	cfg.Remote = config.RemoteConfig{Transport: "kafka"}
	_, _, err = newSubmitter(cfg)
	assert.Error(t, err)

	cfg.Remote = config.RemoteConfig{Transport: "carrier-pigeon"}
	_, _, err = newSubmitter(cfg)
	assert.ErrorContains(t, err, "unknown remote transport")
}
