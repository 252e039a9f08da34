package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSettingsADOTypes(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		expected []string
	}{
		{name: "empty", filter: "", expected: nil},
		{name: "single", filter: "Photograph", expected: []string{"Photograph"}},
		{name: "comma separated with spaces", filter: "Photograph, Book ,Map", expected: []string{"Photograph", "Book", "Map"}},
		{name: "trailing comma", filter: "Photograph,", expected: []string{"Photograph"}},
		{name: "only commas", filter: ",,", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Settings{ADOTypeFilter: tt.filter}
			if tt.expected == nil {
				assert.Nil(t, s.ADOTypes())
				return
			}
			assert.Equal(t, tt.expected, s.ADOTypes())
		})
	}
}

func TestSettingsMatchesMime(t *testing.T) {
	s := Settings{MimeTypeFilter: []string{"image/tiff", "application/pdf"}}
	assert.True(t, s.MatchesMime("image/tiff"))
	assert.True(t, s.MatchesMime("Application/PDF"))
	assert.False(t, s.MatchesMime("image/jpeg"))

	open := Settings{}
	assert.True(t, open.MatchesMime("anything/at-all"))
}

func TestSettingsMatchesADOType(t *testing.T) {
	s := Settings{ADOTypeFilter: "Photograph,Book"}
	assert.True(t, s.MatchesADOType("Photograph"))
	assert.True(t, s.MatchesADOType("book"))
	assert.False(t, s.MatchesADOType("Map"))

	open := Settings{}
	assert.True(t, open.MatchesADOType("Map"))
}

func TestDestinationSetHas(t *testing.T) {
	ds := DestinationSet{DestFile, DestSearchAPI}
	assert.True(t, ds.Has(DestFile))
	assert.True(t, ds.Has(DestSearchAPI))
	assert.False(t, ds.Has(DestPlugin))
	assert.False(t, DestinationSet(nil).Has(DestFile))
}

func TestProcessorConfigFlavorKey(t *testing.T) {
	pc := &ProcessorConfig{ID: "ocr"}
	assert.Equal(t, "flv:ocr", pc.FlavorKey())
}

func TestProcessorConfigIsTopLevel(t *testing.T) {
	assert.True(t, (&ProcessorConfig{ID: "ocr"}).IsTopLevel())
	assert.False(t, (&ProcessorConfig{ID: "embed", ParentID: "ocr"}).IsTopLevel())
}

func TestProcessorConfigTimeout(t *testing.T) {
	fallback := 30 * time.Second
	assert.Equal(t, fallback, (&ProcessorConfig{}).Timeout(fallback))
	assert.Equal(t, fallback, (&ProcessorConfig{Settings: Settings{TimeoutSeconds: -1}}).Timeout(fallback))
	assert.Equal(t, 90*time.Second, (&ProcessorConfig{Settings: Settings{TimeoutSeconds: 90}}).Timeout(fallback))
}

func TestFileMetaHasFlavor(t *testing.T) {
	fm := FileMeta{Flavors: map[string]any{"flv:ocr": map[string]any{"urn": "urn:sbr:ocr:1"}}}
	assert.True(t, fm.HasFlavor("ocr"))
	assert.False(t, fm.HasFlavor("embed"))
	assert.False(t, FileMeta{}.HasFlavor("ocr"))
}

func TestWorkItemLanguageVariants(t *testing.T) {
	assert.Equal(t, []string{"und"}, WorkItem{}.LanguageVariants())
	assert.Equal(t, []string{"en", "es"}, WorkItem{Languages: []string{"en", "es"}}.LanguageVariants())
}

func TestWorkItemProperty(t *testing.T) {
	wi := WorkItem{Properties: map[string]any{"file_path": "/tmp/page1.tiff", "sequence_number": 3}}

	v, ok := wi.Property("file_path")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/page1.tiff", v)

	_, ok = wi.Property("missing")
	assert.False(t, ok)

	_, ok = WorkItem{}.Property("file_path")
	assert.False(t, ok)

	_, ok = wi.Property("")
	assert.False(t, ok)
}

func TestQueueClassValid(t *testing.T) {
	assert.True(t, QueueRealtime.Valid())
	assert.True(t, QueueBackground.Valid())
	assert.False(t, QueueClass("express").Valid())
	assert.False(t, QueueClass("").Valid())
}
