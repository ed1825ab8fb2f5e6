package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const artifactExt = ".jpg"

// filePrefix maps a kind to its on-disk name prefix. Processed images keep
// the historical "predicted" name.
func (k ArtifactKind) filePrefix() string {
	if k == KindProcessed {
		return "predicted_image_"
	}
	return "uploaded_image_"
}

// ArtifactStore keeps images in <root>/<username>/<prefix><id>.jpg. A
// processed artifact shares the id of the uploaded artifact it was derived
// from; nothing else links the two.
type ArtifactStore struct {
	root string
}

func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

func (s *ArtifactStore) ownerDir(username string) (string, error) {
	if username == "" || username == "." || username == ".." ||
		strings.ContainsAny(username, `/\`) || filepath.Base(username) != username {
		return "", fmt.Errorf("owner %q: %w", username, ErrBadRequest)
	}

	return filepath.Join(s.root, username), nil
}

func (s *ArtifactStore) EnsureOwnerFolder(username string) (string, error) {
	dir, err := s.ownerDir(username)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("create owner folder: %w", err)
	}

	return dir, nil
}

func (s *ArtifactStore) Path(username string, kind ArtifactKind, id string) (string, error) {
	dir, err := s.ownerDir(username)
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, kind.filePrefix()+id+artifactExt), nil
}

// Save writes data as a new artifact with a fresh id.
func (s *ArtifactStore) Save(username string, kind ArtifactKind, data []byte) (Artifact, error) {
	dir, err := s.EnsureOwnerFolder(username)
	if err != nil {
		return Artifact{}, err
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return Artifact{}, err
	}

	path := filepath.Join(dir, kind.filePrefix()+id.String()+artifactExt)
	if err := writeFileAtomic(path, data); err != nil {
		return Artifact{}, fmt.Errorf("save %s image: %w", kind, err)
	}

	return s.stat(username, kind, id.String(), path)
}

// Adopt moves an existing file into the store under the given id.
func (s *ArtifactStore) Adopt(username string, kind ArtifactKind, id, src string) (Artifact, error) {
	if _, err := s.EnsureOwnerFolder(username); err != nil {
		return Artifact{}, err
	}

	path, err := s.Path(username, kind, id)
	if err != nil {
		return Artifact{}, err
	}

	if err := os.Rename(src, path); err != nil {
		return Artifact{}, fmt.Errorf("adopt %s image: %w", kind, err)
	}

	return s.stat(username, kind, id, path)
}

// Latest returns the most recently modified artifact of kind for username.
// An owner without a folder simply has no artifacts yet.
func (s *ArtifactStore) Latest(username string, kind ArtifactKind) (Artifact, error) {
	dir, err := s.ownerDir(username)
	if err != nil {
		return Artifact{}, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, fmt.Errorf("no %s image for %q: %w", kind, username, ErrNotFound)
	}
	if err != nil {
		return Artifact{}, err
	}

	prefix := kind.filePrefix()

	var (
		latest Artifact
		found  bool
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, artifactExt) {
			continue
		}

		// Tool output such as uploaded_image_<id>_out.jpg is not an artifact.
		id := strings.TrimSuffix(strings.TrimPrefix(name, prefix), artifactExt)
		if _, err := uuid.Parse(id); err != nil {
			continue
		}

		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Artifact{}, err
		}

		a := Artifact{
			Owner:     username,
			Kind:      kind,
			ID:        id,
			Path:      filepath.Join(dir, name),
			CreatedAt: info.ModTime(),
		}

		if !found || a.CreatedAt.After(latest.CreatedAt) ||
			(a.CreatedAt.Equal(latest.CreatedAt) && a.Path > latest.Path) {
			latest, found = a, true
		}
	}

	if !found {
		return Artifact{}, fmt.Errorf("no %s image for %q: %w", kind, username, ErrNotFound)
	}

	return latest, nil
}

func (s *ArtifactStore) ReadBytes(a Artifact) ([]byte, error) {
	return os.ReadFile(a.Path)
}

func (s *ArtifactStore) Open(a Artifact) (*os.File, error) {
	return os.Open(a.Path)
}

func (s *ArtifactStore) stat(username string, kind ArtifactKind, id, path string) (Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}

	return Artifact{
		Owner:     username,
		Kind:      kind,
		ID:        id,
		Path:      path,
		CreatedAt: info.ModTime(),
	}, nil
}

// writeFileAtomic writes through a temp file in the same directory so
// readers listing the folder never see a partial image.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return nil
}
