package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

const keystoreVersion = 1

// keystoreFile is the on-disk JSON form of one wallet.
type keystoreFile struct {
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Network     string    `json:"network"`
	Account     uint32    `json:"account"`
	AccountXPub string    `json:"account_xpub"`
	Birth       int64     `json:"birth"`
	SealedSeed  []byte    `json:"sealed_seed,omitempty"`
}

// Info is the public part of a keystore entry. It is readable without the
// passphrase.
type Info struct {
	Name        string
	Network     string
	Account     uint32
	AccountXPub string
	Birth       time.Time
	WatchOnly   bool
}

// Keystore stores wallets as JSON files in one directory.
type Keystore struct {
	path string
}

// NewKeystore opens (and creates) the keystore directory.
func NewKeystore(path string) (*Keystore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{path: path}, nil
}

func (ks *Keystore) walletPath(name string) string {
	return filepath.Join(ks.path, name+".wallet")
}

// Create seals seed under password and records the account xpub so the
// wallet can sync without the passphrase.
func (ks *Keystore) Create(name string, seed, password []byte, params KDFParams,
	chain *chaincfg.Params, account uint32, birth time.Time) (*Info, error) {

	h, err := NewHierarchy(seed, chain, account, 0)
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(seed, password, params)
	if err != nil {
		return nil, fmt.Errorf("seal seed: %w", err)
	}
	kf := &keystoreFile{
		Version:     keystoreVersion,
		CreatedAt:   time.Now().UTC(),
		Network:     chain.Name,
		Account:     account,
		AccountXPub: h.AccountXPub(),
		Birth:       unixOrZero(birth),
		SealedSeed:  sealed,
	}
	if err := ks.create(name, kf); err != nil {
		return nil, err
	}
	return kf.info(name), nil
}

// ImportWatchOnly records an account xpub with no seed.
func (ks *Keystore) ImportWatchOnly(name, xpub string, chain *chaincfg.Params,
	account uint32, birth time.Time) (*Info, error) {

	h, err := NewWatchOnly(xpub, chain, account, 0)
	if err != nil {
		return nil, err
	}
	kf := &keystoreFile{
		Version:     keystoreVersion,
		CreatedAt:   time.Now().UTC(),
		Network:     chain.Name,
		Account:     account,
		AccountXPub: h.AccountXPub(),
		Birth:       unixOrZero(birth),
	}
	if err := ks.create(name, kf); err != nil {
		return nil, err
	}
	return kf.info(name), nil
}

// Info returns the public metadata of a wallet.
func (ks *Keystore) Info(name string) (*Info, error) {
	kf, err := ks.readFile(ks.walletPath(name))
	if err != nil {
		return nil, err
	}
	return kf.info(name), nil
}

// Seed decrypts and returns the wallet seed. The caller should Wipe it.
func (ks *Keystore) Seed(name string, password []byte) ([]byte, error) {
	kf, err := ks.readFile(ks.walletPath(name))
	if err != nil {
		return nil, err
	}
	if len(kf.SealedSeed) == 0 {
		return nil, fmt.Errorf("%w: wallet %q is watch-only", ErrMissingPrivateKey, name)
	}
	return Open(kf.SealedSeed, password)
}

// List returns the names of all wallets.
func (ks *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(ks.path)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if ext := filepath.Ext(name); ext == ".wallet" {
			names = append(names, name[:len(name)-len(ext)])
		}
	}
	return names, nil
}

// Delete removes a wallet file.
func (ks *Keystore) Delete(name string) error {
	path := ks.walletPath(name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %q", ErrWalletNotFound, name)
	}
	return os.Remove(path)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (kf *keystoreFile) info(name string) *Info {
	return &Info{
		Name:        name,
		Network:     kf.Network,
		Account:     kf.Account,
		AccountXPub: kf.AccountXPub,
		Birth:       birthTime(kf.Birth),
		WatchOnly:   len(kf.SealedSeed) == 0,
	}
}

func (ks *Keystore) create(name string, kf *keystoreFile) error {
	path := ks.walletPath(name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %q", ErrWalletExists, name)
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet: %w", err)
	}
	// O_EXCL so two concurrent creates cannot both succeed.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %q", ErrWalletExists, name)
		}
		return fmt.Errorf("write wallet: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write wallet: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync wallet: %w", err)
	}
	return f.Close()
}

func (ks *Keystore) readFile(path string) (*keystoreFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	var kf keystoreFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse wallet: %w", err)
	}
	if kf.Version != keystoreVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKeyfile, kf.Version)
	}
	return &kf, nil
}

func birthTime(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}
