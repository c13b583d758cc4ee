package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	masterKey     = "master"
	instanceIDKey = "instance_id"
)

// State is the record of the last launched server
type State struct {
	Master     string `yaml:"master"`
	InstanceID string `yaml:"instance_id"`
}

// Empty reports whether no server is recorded
func (s State) Empty() bool {
	return s.Master == "" && s.InstanceID == ""
}

// FileStorage keeps State inside the YAML configuration file, leaving every
// other key of the document untouched
type FileStorage struct {
	filePath string
	mutex    sync.RWMutex
}

// NewFileStorage creates a new file storage instance
func NewFileStorage(filePath string) *FileStorage {
	if filePath == "" {
		filePath = filepath.Join("config", "ciborg.yml")
	}

	return &FileStorage{
		filePath: filePath,
	}
}

// Path returns the file backing the storage
func (fs *FileStorage) Path() string {
	return fs.filePath
}

// Load returns the recorded state, empty if the file does not exist
func (fs *FileStorage) Load() (State, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	doc, err := fs.loadData()
	if err != nil {
		return State{}, err
	}

	return State{
		Master:     stringValue(doc[masterKey]),
		InstanceID: stringValue(doc[instanceIDKey]),
	}, nil
}

// Update records the address and id of a freshly launched server
func (fs *FileStorage) Update(master, instanceID string) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	doc, err := fs.loadData()
	if err != nil {
		return err
	}

	doc[masterKey] = master
	doc[instanceIDKey] = instanceID

	return fs.saveData(doc)
}

// Clear forgets the recorded server
func (fs *FileStorage) Clear() error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	doc, err := fs.loadData()
	if err != nil {
		return err
	}
	if _, ok := doc[masterKey]; !ok {
		if _, ok := doc[instanceIDKey]; !ok {
			return nil
		}
	}

	delete(doc, masterKey)
	delete(doc, instanceIDKey)

	return fs.saveData(doc)
}

// loadData loads the YAML document from the storage file
func (fs *FileStorage) loadData() (map[string]interface{}, error) {
	data, err := os.ReadFile(fs.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]interface{}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read storage file: %w", err)
	}

	doc := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal storage data: %w", err)
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}

	return doc, nil
}

// saveData saves the YAML document to the storage file
func (fs *FileStorage) saveData(doc map[string]interface{}) error {
	yamlData, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal storage data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(fs.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	if err := os.WriteFile(fs.filePath, yamlData, 0644); err != nil {
		return fmt.Errorf("failed to write storage file: %w", err)
	}

	return nil
}

func stringValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
