package inspector

import (
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Diff is the change between two listings, each side sorted.
type Diff struct {
	Added     []string
	Removed   []string
	Unchanged []string
}

// Changed reports whether anything was added or removed.
func (d Diff) Changed() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

// DiffNames compares two listings by name.
func DiffNames(oldNames, newNames []string) Diff {
	oldSet := make(map[string]bool, len(oldNames))
	for _, n := range oldNames {
		oldSet[n] = true
	}
	newSet := make(map[string]bool, len(newNames))
	for _, n := range newNames {
		newSet[n] = true
	}

	var d Diff
	for n := range newSet {
		if oldSet[n] {
			d.Unchanged = append(d.Unchanged, n)
		} else {
			d.Added = append(d.Added, n)
		}
	}
	for n := range oldSet {
		if !newSet[n] {
			d.Removed = append(d.Removed, n)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Unchanged)
	return d
}

// showDiff displays the differences between two listings of kind.
func (c *Client) showDiff(kind string, oldNames, newNames []string) {
	d := DiffNames(oldNames, newNames)
	if !d.Changed() {
		c.logger.Info("No %s changes detected", strings.ToLower(kind))
		return
	}

	c.logger.Info("%s changes detected:", kind)
	for _, name := range d.Unchanged {
		c.logger.Success("  ✓ Unchanged: %s", name)
	}
	for _, name := range d.Added {
		c.logger.Success("  + Added: %s", name)
	}
	for _, name := range d.Removed {
		c.logger.Error("  - Removed: %s", name)
	}
}

func toolNames(tools []mcp.Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func resourceURIs(resources []mcp.Resource) []string {
	uris := make([]string, len(resources))
	for i, r := range resources {
		uris[i] = r.URI
	}
	return uris
}

func promptNames(prompts []mcp.Prompt) []string {
	names := make([]string, len(prompts))
	for i, p := range prompts {
		names[i] = p.Name
	}
	return names
}
