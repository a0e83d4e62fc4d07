// Command heystack-keys generates and inspects offline-finding keys.
//
// Usage:
//
//	heystack-keys generate [-n 1] [-seed hex] [-prefix tag] [-out dir]
//	heystack-keys inspect file.keys
//	heystack-keys import [-db path] file.keys|batch.bin
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chaz8081/heystack-tag/internal/beacon"
	"github.com/chaz8081/heystack-tag/internal/ble/protocol"
	"github.com/chaz8081/heystack-tag/internal/config"
	"github.com/chaz8081/heystack-tag/internal/keys"
	"github.com/chaz8081/heystack-tag/internal/keystore"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "generate":
		err = generate(os.Args[2:])
	case "inspect":
		err = inspect(os.Args[2:])
	case "import":
		err = importKeys(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: heystack-keys generate|inspect|import [flags]")
	os.Exit(2)
}

func generate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	n := fs.Int("n", 1, "number of key pairs")
	seedHex := fs.String("seed", "", "hex seed for a reproducible batch")
	prefix := fs.String("prefix", "tag", "file name prefix")
	out := fs.String("out", ".", "output directory")
	fs.Parse(args)

	var seed []byte
	if *seedHex != "" {
		var err error
		if seed, err = hex.DecodeString(*seedHex); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	pairs, err := keys.Batch(*n, seed)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*out, 0755); err != nil {
		return err
	}

	for i, p := range pairs {
		path := filepath.Join(*out, fmt.Sprintf("%s_%d.keys", *prefix, i))
		if err := writeFile(path, func(f *os.File) error { return keys.WriteKeysFile(f, p) }); err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", beacon.DeriveAddress(p.Advertisement), path)
	}

	batchPath := filepath.Join(*out, *prefix+"_keyfile.bin")
	if err := writeFile(batchPath, func(f *os.File) error { return keys.WriteBatch(f, pairs) }); err != nil {
		return err
	}
	fmt.Printf("Wrote %d key(s), batch in %s\n", len(pairs), batchPath)
	return nil
}

func inspect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected one .keys file")
	}
	k, err := readKeyFile(args[0])
	if err != nil {
		return err
	}

	var p beacon.Payload
	addr := beacon.Derive(k, &p)
	fmt.Printf("Advertisement key: %s\n", k)
	fmt.Printf("Device address:    %s\n", addr)
	fmt.Printf("Payload:           %s\n", spaced(p.Bytes()))
	fmt.Printf("Key data (22):     %s\n", spaced(p.KeyData()))
	return nil
}

func importKeys(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	db := fs.String("db", config.Default().Keystore.Path, "key store path")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one key file")
	}

	var batch []beacon.Key
	path := fs.Arg(0)
	if strings.EqualFold(filepath.Ext(path), ".keys") {
		k, err := readKeyFile(path)
		if err != nil {
			return err
		}
		batch = append(batch, k)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, raw := range protocol.SplitKeys(data) {
			k, err := beacon.ParseKey(raw)
			if err != nil {
				return err
			}
			batch = append(batch, k)
		}
	}

	store, err := keystore.Open(*db)
	if err != nil {
		return err
	}
	defer store.Close()

	added := 0
	for _, k := range batch {
		ok, err := store.Add(k)
		if err != nil {
			return err
		}
		if ok {
			added++
		}
	}
	total, err := store.Count()
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d new key(s) into %s (%d stored)\n", added, *db, total)
	return nil
}

func readKeyFile(path string) (beacon.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return beacon.Key{}, err
	}
	defer f.Close()
	return keys.ReadKeysFile(f)
}

func writeFile(path string, fill func(*os.File) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func spaced(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, " ")
}
