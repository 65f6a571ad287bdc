package catalog

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault(t *testing.T) {
	c := NewDefault()

	tests := []struct {
		id       uint16
		name     string
		category Category
	}{
		{0x0001, "IRIS_INIT", CategorySystem},
		{0x0100, "BOOT_START", CategoryBoot},
		{0x0101, "GDT_LOADED", CategoryBoot},
		{0x0102, "TSS_LOADED", CategoryBoot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := c.Lookup(tt.id)
			require.True(t, ok)
			assert.Equal(t, tt.name, d.Name)
			assert.Equal(t, tt.category, d.Category)
			assert.Equal(t, SeverityInfo, d.Severity)
			assert.NotEmpty(t, d.Description)
		})
	}

	_, ok := c.Lookup(0x0200)
	assert.False(t, ok)
	assert.Len(t, c.All(), 4)
}

func TestCatalog_RegisterReplaces(t *testing.T) {
	c := NewDefault()
	c.Register(0x0100, "BOOT_START", CategoryBoot,
		WithSeverity(SeverityDebug), WithDescription("Entered kmain"))

	got, ok := c.Lookup(0x0100)
	require.True(t, ok)
	want := Definition{
		ID:          0x0100,
		Name:        "BOOT_START",
		Category:    CategoryBoot,
		Severity:    SeverityDebug,
		Description: "Entered kmain",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("definition mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, c.All(), 4)
}

func TestCatalog_Label(t *testing.T) {
	c := NewDefault()
	assert.Equal(t, "SYSTEM::IRIS_INIT (0x0001)", c.Label(0x0001))
	assert.Equal(t, "BOOT::GDT_LOADED (0x0101)", c.Label(0x0101))
	assert.Equal(t, "UNKNOWN::EVENT_0x0abc", c.Label(0x0ABC))
}

func TestCatalog_Filters(t *testing.T) {
	c := NewDefault()
	c.Register(0x0400, "PAGE_FAULT", CategoryInterrupt,
		WithSeverity(SeverityWarning), WithDescription("Unhandled page fault"))

	boot := c.ByCategory(CategoryBoot)
	require.Len(t, boot, 3)
	assert.Equal(t, uint16(0x0100), boot[0].ID)
	assert.Equal(t, uint16(0x0102), boot[2].ID)

	warnings := c.BySeverity(SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "PAGE_FAULT", warnings[0].Name)
	assert.Empty(t, c.ByCategory(CategoryNetwork))
}

func TestCatalog_RegisterReplacesWithoutOptions(t *testing.T) {
	c := NewDefault()
	c.Register(0x0001, "IRIS_HELLO", CategorySystem)

	d, ok := c.Lookup(0x0001)
	require.True(t, ok)
	assert.Equal(t, "IRIS_HELLO", d.Name)
	assert.Empty(t, d.Description)
}

func TestCatalog_ConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(id uint16) {
			defer wg.Done()
			c.Register(id, "E", CategoryIO)
		}(uint16(0x0600 + i))
		go func(id uint16) {
			defer wg.Done()
			_ = c.Label(id)
		}(uint16(0x0600 + i))
	}
	wg.Wait()
	assert.Len(t, c.ByCategory(CategoryIO), 50)
}
