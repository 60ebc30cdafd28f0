package evm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// artifact is the subset of a hardhat compilation artifact we read.
type artifact struct {
	ContractName string `json:"contractName"`
	Bytecode     string `json:"bytecode"`
}

// Artifacts resolves contract creation code from a hardhat artifacts
// directory (artifacts/contracts/**/<Name>.json).
type Artifacts struct {
	dir string

	mu    sync.Mutex
	cache map[string][]byte
}

// NewArtifacts returns a resolver rooted at dir.
func NewArtifacts(dir string) *Artifacts {
	return &Artifacts{dir: dir, cache: make(map[string][]byte)}
}

// Bytecode returns the creation code of the named contract.
func (a *Artifacts) Bytecode(name string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if code, ok := a.cache[name]; ok {
		return code, nil
	}

	path, err := a.find(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	if art.ContractName != "" && art.ContractName != name {
		return nil, fmt.Errorf("artifact %s holds contract %q", path, art.ContractName)
	}
	code, err := hexutil.Decode(art.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("artifact %s bytecode: %w", name, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("artifact %s has no bytecode (abstract contract or interface?)", name)
	}
	a.cache[name] = code
	return code, nil
}

var errFound = errors.New("found")

func (a *Artifacts) find(name string) (string, error) {
	want := name + ".json"
	var found string
	err := filepath.WalkDir(a.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == want {
			found = path
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return "", fmt.Errorf("find artifact %s: %w", name, err)
	}
	if found == "" {
		return "", fmt.Errorf("artifact %s not found under %s", name, a.dir)
	}
	return found, nil
}
