// Package keys loads and checks the local SSH key pair that the admin user
// will log in with.
package keys

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/pkg/sshutil"
	"golang.org/x/crypto/ssh"
)

// KeyPair is a validated public/private key pair.
type KeyPair struct {
	PublicPath  string
	PrivatePath string
	PublicKey   ssh.PublicKey
	// AuthorizedLine is the normalized authorized_keys line, without newline.
	AuthorizedLine string
	Fingerprint    string
}

// Type returns the key algorithm, e.g. "ssh-ed25519".
func (k *KeyPair) Type() string {
	return k.PublicKey.Type()
}

// LoadPublicKey reads a single public key in authorized_keys format and
// returns it with its normalized line (type, base64 blob and comment).
func LoadPublicKey(pubPath string) (ssh.PublicKey, string, error) {
	data, err := os.ReadFile(sshutil.ExpandPath(pubPath))
	if err != nil {
		return nil, "", errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Failed to read public key: %s", pubPath),
			"Check VPSINIT_SSH_PUBLIC_KEY points at an existing .pub file")
	}

	pub, comment, options, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, "", errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("%s is not an SSH public key", pubPath),
			"Generate one with: ssh-keygen -t ed25519")
	}
	if len(options) > 0 {
		return nil, "", errors.New(errors.ErrConfig,
			fmt.Sprintf("%s carries authorized_keys options (%s)", pubPath, strings.Join(options, ",")),
			"Use the plain .pub file written by ssh-keygen")
	}

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment = strings.TrimSpace(comment); comment != "" {
		line += " " + comment
	}
	return pub, line, nil
}

// Load reads both halves of a key pair and checks they belong together, so a
// mismatched pair is caught before the key is installed and root login is
// disabled.
func Load(pubPath, privPath, passphrase string) (*KeyPair, error) {
	pub, line, err := LoadPublicKey(pubPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(sshutil.ExpandPath(privPath))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Failed to read private key: %s", privPath),
			"Check VPSINIT_SSH_PRIVATE_KEY points at an existing private key")
	}

	signer, err := sshutil.ParseSigner(data, passphrase)
	if err != nil {
		var encErr *sshutil.EncryptedKeyError
		if stderrors.As(err, &encErr) {
			return nil, errors.New(errors.ErrConfig,
				fmt.Sprintf("Private key %s is passphrase protected", privPath),
				"Set VPSINIT_SSH_KEY_PASSPHRASE")
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Failed to parse private key: %s", privPath),
			"Check the passphrase and that the file is an OpenSSH or PEM private key")
	}

	if !bytes.Equal(signer.PublicKey().Marshal(), pub.Marshal()) {
		return nil, errors.New(errors.ErrConfig,
			fmt.Sprintf("%s is not the public half of %s", pubPath, privPath),
			fmt.Sprintf("Regenerate it with: ssh-keygen -y -f %s > %s", privPath, pubPath))
	}

	return &KeyPair{
		PublicPath:     pubPath,
		PrivatePath:    privPath,
		PublicKey:      pub,
		AuthorizedLine: line,
		Fingerprint:    ssh.FingerprintSHA256(pub),
	}, nil
}

// KeyInfo describes a key found in ~/.ssh.
type KeyInfo struct {
	Path       string // Full path to private key
	PublicPath string // Path to public key
	HasPublic  bool   // Whether public key file exists
}

// DefaultKeyPaths returns the standard locations for SSH keys, best first.
func DefaultKeyPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

// FindLocalKeys returns the keys among paths that exist, in the given order.
func FindLocalKeys(paths []string) []KeyInfo {
	var keys []KeyInfo
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		pubPath := path + ".pub"
		_, pubErr := os.Stat(pubPath)
		keys = append(keys, KeyInfo{
			Path:       path,
			PublicPath: pubPath,
			HasPublic:  pubErr == nil,
		})
	}
	return keys
}

// Suggest returns a hint naming a usable local key pair, or "" if none exist.
func Suggest() string {
	for _, k := range FindLocalKeys(DefaultKeyPaths()) {
		if k.HasPublic {
			return fmt.Sprintf("Found %s. Try:\n  VPSINIT_SSH_PRIVATE_KEY=%s\n  VPSINIT_SSH_PUBLIC_KEY=%s",
				k.Path, k.Path, k.PublicPath)
		}
	}
	return "Create a key pair with: ssh-keygen -t ed25519"
}
