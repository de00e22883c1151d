package outline

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutlineMarshal(t *testing.T) {
	o := &Outline{
		ComputerName: "WKS-042",
		TimestampKey: "20260801_120000",
		Start:        time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Mothership:   ProcessInfo{CommandLine: "mothership.exe /run", SHA1: "abc"},
		Self:         SelfInfo{Version: "1.2.0", CommandLine: "gograb campaign --job sets.yaml"},
		System:       SystemIdentity{ComputerName: "WKS-042", OS: "linux", Arch: "amd64"},
		Archives: []ArchiveEntry{
			{Keyword: "Quick", FileName: "Quick.zip", Commands: []string{"getsamples /out=Quick.zip"}},
		},
	}

	data, err := o.Marshal("WolfLauncher")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "1.0", doc["version"])

	root, ok := doc["dfir-orc"].(map[string]any)
	require.True(t, ok)
	tool, ok := root["WolfLauncher"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "WKS-042", tool["computer_name"])

	archives, ok := tool["archives"].([]any)
	require.True(t, ok)
	require.Len(t, archives, 1)
	first := archives[0].(map[string]any)
	assert.Equal(t, "Quick", first["keyword"])
}

func TestOutcomeRecipientsBase64PEM(t *testing.T) {
	pem := "-----BEGIN CERTIFICATE-----\nMIIB...\n-----END CERTIFICATE-----\n"
	o := &Outcome{
		Recipients: []Recipient{{Name: "dfir-team", Certificate: pem}},
	}

	data, err := o.Marshal("WolfLauncher")
	require.NoError(t, err)

	var doc struct {
		DFIROrc map[string]struct {
			Recipients []struct {
				Name        string `json:"name"`
				Certificate string `json:"certificate"`
			} `json:"recipients"`
		} `json:"dfir-orc"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	recips := doc.DFIROrc["WolfLauncher"].Recipients
	require.Len(t, recips, 1)

	decoded, err := base64.StdEncoding.DecodeString(recips[0].Certificate)
	require.NoError(t, err)
	// The PEM header survives the encoding.
	assert.Contains(t, string(decoded), "-----BEGIN CERTIFICATE-----")
}

func TestOutcomeWithLockConcurrency(t *testing.T) {
	o := &Outcome{}
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.WithLock(func(oc *Outcome) {
				oc.Archives = append(oc.Archives, ArchiveEntry{Keyword: "k"})
			})
		}()
	}
	wg.Wait()
	assert.Len(t, o.Archives, 16)
}

func TestTimestampKey(t *testing.T) {
	key := TimestampKey(time.Date(2026, 8, 1, 23, 59, 8, 0, time.UTC))
	assert.Equal(t, "20260801_235908", key)
}

func TestCollectSystemIdentity(t *testing.T) {
	id := CollectSystemIdentity()
	assert.NotEmpty(t, id.OS)
	assert.NotEmpty(t, id.Arch)
}
