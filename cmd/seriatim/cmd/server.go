package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/seriatim/allocator"
	"github.com/jmcleod/seriatim/api"
	"github.com/jmcleod/seriatim/ca"
	"github.com/jmcleod/seriatim/directory"
	etcddir "github.com/jmcleod/seriatim/directory/etcd"
	dirmemory "github.com/jmcleod/seriatim/directory/memory"
	"github.com/jmcleod/seriatim/internal/util"
	"github.com/jmcleod/seriatim/maintenance"
	cfgbbolt "github.com/jmcleod/seriatim/rangeconfig/bbolt"
)

var (
	port          int
	dataDir       string
	tlsCert       string
	tlsKey        string
	caCertPath    string
	caKeyPath     string
	etcdEndpoints []string
	etcdPrefix    string
	advertiseHost string
	checkInterval time.Duration
	randomSerials bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer logger.Sync()

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		cfgStore, err := cfgbbolt.NewStoreFromFile(filepath.Join(dataDir, "ranges.db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open range configuration: %w", err)
		}
		defer cfgStore.Close()

		var dir directory.Store
		if len(etcdEndpoints) > 0 {
			etcdStore, err := etcddir.New(cmd.Context(), etcdEndpoints, etcdPrefix,
				etcddir.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to connect to directory: %w", err)
			}
			defer etcdStore.Close()
			dir = etcdStore
		} else {
			logger.Warn("no etcd endpoints configured, using in-memory directory; " +
				"serial ranges will not be coordinated across instances")
			dir = dirmemory.NewStore()
		}

		common := []allocator.Option{
			allocator.WithLogger(logger),
			allocator.WithOwner(advertiseHost, strconv.Itoa(port)),
		}
		serialOpts := common
		if randomSerials {
			serialOpts = append([]allocator.Option{allocator.WithRandomAllocation()}, common...)
		}

		serials := allocator.NewCertificateRepository(dir, cfgStore, serialOpts...)
		requests := allocator.NewRequestRepository(dir, cfgStore, common...)
		replicas := allocator.NewReplicaIDRepository(dir, cfgStore, common...)
		repos := []*allocator.Repository{serials, requests, replicas}
		for _, repo := range repos {
			if err := repo.Initialize(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialize %s repository: %w", repo.Name(), err)
			}
		}

		issuerCert, keys, err := loadIssuer()
		if err != nil {
			return err
		}
		authority, err := ca.New(dir, serials, requests, issuerCert, keys, ca.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to create certificate authority: %w", err)
		}

		sched, err := maintenance.NewScheduler(repos,
			maintenance.WithLogger(logger),
			maintenance.WithInterval(checkInterval))
		if err != nil {
			return err
		}
		if err := sched.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start range maintenance: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sched.Stop(ctx)
		}()

		a := api.New(authority, repos, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s)...\n", port, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// loadIssuer reads the issuing certificate and key, or generates an ephemeral
// self-signed CA when neither is configured.
func loadIssuer() (*x509.Certificate, *ca.KeyStore, error) {
	if caCertPath == "" && caKeyPath == "" {
		fmt.Println("No CA certificate configured, generating an ephemeral self-signed CA")
		return ca.NewSelfSigned(&x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: "Seriatim Ephemeral CA"},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().AddDate(1, 0, 0),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
			BasicConstraintsValid: true,
			IsCA:                  true,
		})
	}
	if caCertPath == "" || caKeyPath == "" {
		return nil, nil, fmt.Errorf("both --ca-cert and --ca-key must be set")
	}

	certPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", caCertPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	keys, err := ca.NewKeyStoreFromPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load CA key: %w", err)
	}
	return cert, keys, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringVar(&caCertPath, "ca-cert", "", "Path to the issuing CA certificate (PEM)")
	serverCmd.Flags().StringVar(&caKeyPath, "ca-key", "", "Path to the issuing CA private key (PKCS#8 PEM)")
	serverCmd.Flags().StringSliceVar(&etcdEndpoints, "etcd-endpoints", nil, "etcd endpoints backing the shared directory")
	serverCmd.Flags().StringVar(&etcdPrefix, "etcd-prefix", "seriatim", "Key prefix for directory entries in etcd")
	serverCmd.Flags().StringVar(&advertiseHost, "advertise-host", "localhost", "Hostname recorded on range claims")
	serverCmd.Flags().DurationVar(&checkInterval, "check-interval", 30*time.Second, "Interval between range maintenance cycles")
	serverCmd.Flags().BoolVar(&randomSerials, "random-serials", false, "Draw certificate serials randomly within each range")
}
