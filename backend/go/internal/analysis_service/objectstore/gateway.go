package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"mahjong_analysis/backend/go/internal/models"

	"github.com/gobwas/glob"
)

// ErrNotFound is returned when a key or prefix does not exist.
var ErrNotFound = errors.New("object not found")

// Gateway is the read side of the remote object store.
type Gateway interface {
	// List returns one directory level below path.
	List(ctx context.Context, path string) (*models.Listing, error)
	// ListAll returns every object below prefix, recursively.
	ListAll(ctx context.Context, prefix string) ([]models.ObjectInfo, error)
	// Fetch returns the full content of an object.
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Matcher decides which object names are screenshots.
type Matcher struct {
	patterns []glob.Glob
}

// NewMatcher compiles case-insensitive file name patterns such as "*.png".
func NewMatcher(patterns []string) (*Matcher, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one image pattern is required")
	}
	m := &Matcher{}
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("invalid image pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, g)
	}
	return m, nil
}

// Match reports whether the base name of key is an image.
func (m *Matcher) Match(key string) bool {
	name := strings.ToLower(path.Base(key))
	for _, g := range m.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// ImageObject is a remote image plus its remote sidecar, if one exists.
// Key is relative to the source prefix.
type ImageObject struct {
	Key     string
	Object  models.ObjectInfo
	Sidecar *models.ObjectInfo
}

// Partition splits the objects under prefix into images and sidecars. An image
// pairs with <name>.json (shot.png.json), or with <stem>.json (shot.json) when
// no other image shares that stem. Sidecars without an image are dropped. The
// result is sorted by key.
func Partition(objects []models.ObjectInfo, prefix string, matcher *Matcher) []ImageObject {
	base := strings.Trim(prefix, "/")
	if base != "" {
		base += "/"
	}
	sidecars := make(map[string]models.ObjectInfo)
	stems := make(map[string]int)
	var images []ImageObject
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimLeft(obj.Key, "/"), base)
		switch {
		case matcher.Match(rel):
			images = append(images, ImageObject{Key: rel, Object: obj})
			stems[stem(rel)]++
		case strings.EqualFold(path.Ext(rel), ".json"):
			sidecars[stem(rel)] = obj
		}
	}
	for i := range images {
		sc, ok := sidecars[images[i].Key]
		if !ok && stems[stem(images[i].Key)] == 1 {
			sc, ok = sidecars[stem(images[i].Key)]
		}
		if ok {
			images[i].Sidecar = &sc
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Key < images[j].Key })
	return images
}

func stem(key string) string {
	return strings.TrimSuffix(key, path.Ext(key))
}

// BuildListing turns flat objects and common prefixes into a one-level listing.
func BuildListing(dir string, objects []models.ObjectInfo, prefixes []string) *models.Listing {
	listing := &models.Listing{
		Path:        dir,
		Files:       make([]models.FileEntry, 0, len(objects)),
		Directories: make([]models.DirectoryEntry, 0, len(prefixes)),
	}
	for _, obj := range objects {
		listing.Files = append(listing.Files, models.FileEntry{
			Name:         path.Base(obj.Key),
			Key:          obj.Key,
			Size:         obj.Size,
			SizeHuman:    models.HumanSize(obj.Size),
			LastModified: obj.LastModified,
			Type:         "file",
		})
	}
	for _, p := range prefixes {
		listing.Directories = append(listing.Directories, models.DirectoryEntry{
			Name: path.Base(strings.TrimSuffix(p, "/")),
			Key:  p,
			Type: "directory",
		})
	}
	sort.Slice(listing.Files, func(i, j int) bool { return listing.Files[i].Key < listing.Files[j].Key })
	sort.Slice(listing.Directories, func(i, j int) bool { return listing.Directories[i].Key < listing.Directories[j].Key })
	listing.TotalFiles = len(listing.Files)
	listing.TotalDirectories = len(listing.Directories)
	return listing
}

// DirPrefix normalizes a user supplied path into a listing prefix ending in "/".
// The bucket root is the empty prefix.
func DirPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
