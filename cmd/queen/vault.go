package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/mtzanidakis/queen/internal/config"
	"github.com/mtzanidakis/queen/internal/store"
	"github.com/mtzanidakis/queen/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	passphrase := os.Getenv("QUEEN_VAULT_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("QUEEN_VAULT_PASSPHRASE environment variable is required")
	}
	v := vault.New(passphrase)

	db, err := store.New(dataDirFromConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return vaultList(db)
	case "set":
		return vaultSet(db, v, args[1:])
	case "get":
		return vaultGet(db, v, args[1:])
	case "delete":
		return vaultDelete(db, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: queen vault <command>

Commands:
  list                              List all secrets (metadata only)
  set <name> --value <str> [--description <text>]  Store a string secret
  set <name> --file <path> [--description <text>]  Store a file secret
  get <name>                        Retrieve and decrypt a secret
  delete <name>                     Delete a secret

Environment:
  QUEEN_VAULT_PASSPHRASE            Required. Encryption passphrase.

Secrets of kind "env" (stored with --value) are decrypted at queen
startup and injected into every spawned agent's environment
(spawner.Definition.Secrets); file secrets are not injected.
`)
}

func vaultList(db *store.Store) error {
	secrets, err := db.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tDESCRIPTION")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Kind, s.Description)
	}
	return w.Flush()
}

func vaultSet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: queen vault set <name> --value <string> | --file <path> [--description <text>]")
	}

	name := args[0]
	var value []byte
	kind := "env"
	filename := ""

	switch args[1] {
	case "--value":
		value = []byte(args[2])
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = data
		kind = "file"
		filename = filepath.Base(args[2])
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	ciphertext, nonce, err := v.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	sec := &store.Secret{
		ID:          name,
		Name:        name,
		Description: description,
		Kind:        kind,
		Filename:    filename,
		Value:       ciphertext,
		Nonce:       nonce,
	}
	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved (%s)\n", name, kind)
	return nil
}

func vaultGet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: queen vault get <name>")
	}

	sec, err := db.GetSecret(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	plaintext, err := v.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	if sec.Kind == "file" {
		fmt.Printf("File: %s\n", sec.Filename)
	}
	fmt.Print(string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func vaultDelete(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: queen vault delete <name>")
	}
	if err := db.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}

// decryptAllSecrets decrypts every "env"-kind secret for injection into
// spawned agents' environments; "file"-kind secrets are left for a
// future file-mount spawn path and skipped here.
func decryptAllSecrets(db *store.Store, v *vault.Vault) (map[string]string, error) {
	secrets, err := db.ListSecrets()
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}

	out := make(map[string]string, len(secrets))
	for _, meta := range secrets {
		if meta.Kind != "env" {
			continue
		}
		sec, err := db.GetSecret(meta.ID)
		if err != nil || sec == nil {
			continue
		}
		plaintext, err := v.Decrypt(sec.Value, sec.Nonce)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %s: %w", sec.Name, err)
		}
		out[sec.Name] = string(plaintext)
	}
	return out, nil
}

// dataDirFromConfig returns the store path from config.Load(), falling
// back to the default data/queen.db if the config cannot be loaded.
func dataDirFromConfig() string {
	cfg, err := config.Load()
	if err != nil {
		return "data/queen.db"
	}
	return cfg.Store.Path
}
