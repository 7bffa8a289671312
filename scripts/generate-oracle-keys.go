package main

// Provisions the oracle keyring ahead of first boot: generates the Ed25519
// callback-signing pair and the BFV pair if the database does not hold them
// yet, and prints the public key fingerprints. With Vault enabled the
// private halves are transit-wrapped and the public halves published to the
// KV store so remote instances can verify callbacks.

import (
	"fmt"
	"os"

	"veilrate/internal/config"
	"veilrate/internal/database"
	"veilrate/internal/he"
	"veilrate/internal/keyring"
	"veilrate/internal/logger"
	"veilrate/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(logger.Config{
		Level: cfg.Log.Level,
	})

	db, err := database.New(&cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close database connection: %v\n", err)
		}
	}()

	migrator := database.NewMigrationExecutor(db.DB)
	if err := migrator.RunMigrations("./migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	var vaultClient *vault.Client
	if cfg.Vault.Enabled {
		vaultClient, err = vault.NewClient(&vault.Config{
			Address:      cfg.Vault.Address,
			Token:        cfg.Vault.Token,
			TransitMount: cfg.Vault.TransitMount,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize Vault client: %v\n", err)
			os.Exit(1)
		}
		if err := vaultClient.Health(); err != nil {
			fmt.Fprintf(os.Stderr, "Vault health check failed: %v\n", err)
			os.Exit(1)
		}
	}

	engine, err := he.NewEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize encryption engine: %v\n", err)
		os.Exit(1)
	}

	ring, err := keyring.Load(db.DB, vaultClient, cfg.JWT.Secret, engine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to provision oracle keyring: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Oracle keyring provisioned.")
	fmt.Println("----------------------------------------")
	fmt.Printf("Signing key fingerprint: %s\n", vault.HashData(ring.SigningPublicKey())[:16])
	fmt.Printf("HE key fingerprint:      %s\n", vault.HashData(ring.HEPublicKey())[:16])

	if cfg.Vault.Enabled {
		fmt.Println("\n✓ Public keys published to the Vault KV store.")
		fmt.Println("Remote instances can now start with ORACLE_MODE=remote.")
	} else {
		fmt.Println("\nPrivate keys are wrapped locally with a key derived from JWT_SECRET.")
		fmt.Println("Enable Vault before pointing a remote oracle at this database.")
	}
}
