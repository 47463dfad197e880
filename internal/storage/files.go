// Package storage содержит файловое хранилище артефактов в media-каталоге.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	originalsDir = "original_images"
	generatedDir = "generated_images"
)

// FileStore сохраняет исходные и сгенерированные изображения на диске.
// Возвращаемые пути относительны корня media-каталога и попадают в БД как есть.
type FileStore struct {
	root string
}

// NewFileStore создаёт хранилище и подкаталоги для обеих групп артефактов.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{originalsDir, generatedDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

// Root возвращает корень media-каталога.
func (s *FileStore) Root() string {
	return s.root
}

// SaveOriginal сохраняет исходное изображение под уникальным именем.
func (s *FileStore) SaveOriginal(data []byte) (string, error) {
	name := fmt.Sprintf("original_%s.png", uuid.New().String())
	return s.save(originalsDir, name, data)
}

// SaveGenerated сохраняет сгенерированное изображение под уникальным именем.
func (s *FileStore) SaveGenerated(data []byte) (string, error) {
	name := fmt.Sprintf("generated_%s.png", uuid.New().String())
	return s.save(generatedDir, name, data)
}

func (s *FileStore) save(dir, name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to save empty file %s", name)
	}

	rel := filepath.Join(dir, name)
	if err := os.WriteFile(filepath.Join(s.root, rel), data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Remove удаляет артефакт по относительному пути. Отсутствие файла ошибкой не считается.
func (s *FileStore) Remove(rel string) error {
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}
