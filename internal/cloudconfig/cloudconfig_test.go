package cloudconfig

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// parse reads user data produced by Dump.
func parse(userData string) (Document, error) {
	var doc Document
	if !strings.HasPrefix(userData, Header) {
		return doc, fmt.Errorf("user data does not start with %q", Header)
	}
	err := yaml.Unmarshal([]byte(strings.TrimPrefix(userData, Header)), &doc)
	return doc, err
}

func sampleDocument() Document {
	return Document{
		Timezone: "America/Los_Angeles",
		FQDN:     "my-ci-host-001.example.com",
		Bootcmd:  []string{"mkdir -p /var/lib/docker"},
		Apt: &Apt{Sources: map[string]AptSource{
			"github-cli.list": {Source: "deb https://cli.github.com/packages stable main", KeyID: "23F3D4EA75716059"},
		}},
		Packages: []string{"git", "gosu"},
		WriteFiles: []File{
			{
				Path:        "/var/lib/cloud/scripts/per-boot/06-converge.sh",
				Permissions: "0755",
				Content:     "#!/bin/bash\necho " + strings.Repeat("very-long-line-", 20) + "\n",
			},
			{
				Path:        "/home/ubuntu/.bash_profile",
				Owner:       "ubuntu:ubuntu",
				Permissions: "0644",
				Defer:       true,
				Content:     "if true; then\n  echo hi\nfi\n",
			},
		},
		Swap:   &Swap{Filename: "/swapfile", Size: "8G", MaxSize: "8G"},
		Mounts: [][]string{{"tmpfs", "/var/lib/docker", "tmpfs", "defaults,size=4G", "0", "0"}},
	}
}

func TestDump_HeaderAndLiteralStrings(t *testing.T) {
	out, err := Dump(sampleDocument())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "#cloud-config\n"))
	assert.Contains(t, out, "timezone: |-\n  America/Los_Angeles\n")
	assert.Regexp(t, `permissions: \|-\n\s+0755\n`, out)
	assert.Contains(t, out, "defer: true\n")
	// Keys stay plain.
	assert.NotContains(t, out, "|-\n  timezone")
	// Long lines are not folded.
	assert.Contains(t, out, strings.Repeat("very-long-line-", 20))
}

func TestDump_ParseRoundTrip(t *testing.T) {
	doc := sampleDocument()

	out, err := Dump(doc)
	require.NoError(t, err)
	parsed, err := parse(out)
	require.NoError(t, err)

	assert.Equal(t, doc, parsed)
}

func TestDump_OmitsEmptySections(t *testing.T) {
	out, err := Dump(Document{Packages: []string{"git"}})
	require.NoError(t, err)

	assert.NotContains(t, out, "swap:")
	assert.NotContains(t, out, "apt:")
	assert.NotContains(t, out, "write_files:")
}

func TestDump_StartsWithHeader(t *testing.T) {
	out, err := Dump(Document{Packages: []string{"git"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, Header))
}
