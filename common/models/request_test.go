package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestionRequestValidate(t *testing.T) {
	request := &IngestionRequest{
		Source: "https://example.com/org/repo.git",
		Steps: []StepConfig{
			{Name: "filesystem"},
			{Name: "blarify"},
		},
	}
	request.PopulateDefaults()
	require.NoError(t, request.Validate())
	assert.Equal(t, QueueDefault, request.Priority)
	assert.Equal(t, SourceKindGitURL, request.SourceKind)

	// Missing source
	request = &IngestionRequest{}
	request.PopulateDefaults()
	require.Error(t, request.Validate())

	// Duplicate step names are rejected
	request = &IngestionRequest{
		Source: "https://example.com/org/repo.git",
		Steps: []StepConfig{
			{Name: "blarify"},
			{Name: "blarify"},
		},
	}
	request.PopulateDefaults()
	err := request.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step name")

	// Malformed dependency IDs
	request = &IngestionRequest{
		Source:       "https://example.com/org/repo.git",
		Dependencies: []string{"not-a-job-id"},
	}
	request.PopulateDefaults()
	require.Error(t, request.Validate())
}

func TestIngestionRequestSourceKinds(t *testing.T) {
	for _, kind := range []SourceKind{SourceKindLocalPath, SourceKindGitURL, SourceKindGitHubURL, SourceKindGitHubRepo} {
		request := &IngestionRequest{Source: "/repos/widget", SourceKind: kind}
		request.PopulateDefaults()
		require.NoError(t, request.Validate(), "kind %s", kind)
	}

	request := &IngestionRequest{Source: "/repos/widget", SourceKind: SourceKind("svn")}
	request.PopulateDefaults()
	err := request.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_type")

	// A branch makes no sense for a local path
	request = &IngestionRequest{
		Source:     "/repos/widget",
		SourceKind: SourceKindLocalPath,
		Branch:     "main",
	}
	request.PopulateDefaults()
	err = request.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch")

	// Branches are fine everywhere else
	request = &IngestionRequest{
		Source:     "https://example.com/org/repo.git",
		SourceKind: SourceKindGitURL,
		Branch:     "main",
	}
	request.PopulateDefaults()
	require.NoError(t, request.Validate())
}

func TestIngestionRequestUnknownPriorityFallsThrough(t *testing.T) {
	request := &IngestionRequest{
		Source:   "https://example.com/org/repo.git",
		Priority: QueueName("urgent"),
	}
	request.PopulateDefaults()
	require.NoError(t, request.Validate())
	assert.Equal(t, QueueDefault, request.Priority)

	// A known queue is left alone
	request = &IngestionRequest{
		Source:   "https://example.com/org/repo.git",
		Priority: QueueHigh,
	}
	request.PopulateDefaults()
	assert.Equal(t, QueueHigh, request.Priority)
}

func TestIngestionRequestDefaultSteps(t *testing.T) {
	// Omitted steps get the default pipeline
	request := &IngestionRequest{Source: "https://example.com/org/repo.git"}
	request.PopulateDefaults()
	assert.Equal(t, []string{"filesystem", "blarify", "summarizer", "docgrapher"}, request.StepNames())

	// An explicitly empty list stays empty
	request = &IngestionRequest{
		Source: "https://example.com/org/repo.git",
		Steps:  []StepConfig{},
	}
	request.PopulateDefaults()
	assert.Empty(t, request.Steps)
	assert.NotNil(t, request.Steps)
}

func TestIngestionRequestNotBefore(t *testing.T) {
	now := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

	request := &IngestionRequest{}
	assert.Nil(t, request.NotBefore(now))

	request = &IngestionRequest{CountdownSeconds: 90}
	notBefore := request.NotBefore(now)
	require.NotNil(t, notBefore)
	assert.Equal(t, now.Add(90*time.Second), notBefore.Time)

	// An explicit ETA wins over a countdown
	eta := NewTimePtr(now.Add(time.Hour))
	request = &IngestionRequest{ETA: eta, CountdownSeconds: 90}
	assert.Equal(t, eta, request.NotBefore(now))
}
