// Package redis holds the redigo connection plumbing shared by the Redis
// job store and the Redis statistics backend.
package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	queueErrors "github.com/BranchIntl/queuectl/errors"
	"github.com/gomodule/redigo/redis"
)

var (
	// ErrInvalidScheme is returned when the Redis URI scheme is invalid
	ErrInvalidScheme = errors.New("invalid Redis database URI scheme")

	// ErrInvalidURI is returned when the Redis URI cannot be parsed. The
	// parser's message is dropped because it quotes the URI.
	ErrInvalidURI = errors.New("invalid URI")
)

// ConnectionOptions defines the interface for Redis connection options
type ConnectionOptions interface {
	GetURI() string
	GetMaxConnections() int
	GetMaxIdle() int
	GetIdleTimeout() time.Duration
	GetConnectTimeout() time.Duration
	GetReadTimeout() time.Duration
	GetWriteTimeout() time.Duration
	GetUseTLS() bool
	GetTLSSkipVerify() bool
	GetTLSCertPath() string
}

// CreatePool creates a Redis connection pool using the provided options.
// Borrowers block while MaxConnections are checked out.
func CreatePool(options ConnectionOptions) (*redis.Pool, error) {
	if _, err := url.Parse(options.GetURI()); err != nil {
		return nil, queueErrors.NewConnectionError(queueErrors.RedactURI(options.GetURI()), ErrInvalidURI)
	}

	return &redis.Pool{
		MaxActive:   options.GetMaxConnections(),
		MaxIdle:     options.GetMaxIdle(),
		IdleTimeout: options.GetIdleTimeout(),
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return DialRedis(options)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}, nil
}

// Ping borrows a connection from the pool and checks the server answers
func Ping(ctx context.Context, pool *redis.Pool) error {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("PING")
	return err
}

// DialRedis establishes a Redis connection using the provided options
func DialRedis(options ConnectionOptions) (redis.Conn, error) {
	redacted := queueErrors.RedactURI(options.GetURI())
	uri, err := url.Parse(options.GetURI())
	if err != nil {
		return nil, queueErrors.NewConnectionError(redacted, ErrInvalidURI)
	}

	var network string
	var host string
	var password string
	var db string
	dialOptions := []redis.DialOption{
		redis.DialConnectTimeout(options.GetConnectTimeout()),
		redis.DialReadTimeout(options.GetReadTimeout()),
		redis.DialWriteTimeout(options.GetWriteTimeout()),
	}

	switch uri.Scheme {
	case "redis", "rediss":
		network = "tcp"
		host = uri.Host
		if uri.User != nil {
			password, _ = uri.User.Password()
		}
		if len(uri.Path) > 1 {
			db = uri.Path[1:]
		}

		if uri.Scheme == "rediss" || options.GetUseTLS() {
			tlsConfig := &tls.Config{
				InsecureSkipVerify: options.GetTLSSkipVerify(),
			}

			if options.GetTLSCertPath() != "" {
				pool, err := LoadCertPool(options.GetTLSCertPath())
				if err != nil {
					return nil, queueErrors.NewConnectionError(redacted, err)
				}
				tlsConfig.RootCAs = pool
			}

			dialOptions = append(dialOptions,
				redis.DialUseTLS(true),
				redis.DialTLSConfig(tlsConfig),
			)
		}
	case "unix":
		network = "unix"
		host = uri.Path
	default:
		return nil, queueErrors.NewConnectionError(redacted, ErrInvalidScheme)
	}

	conn, err := redis.Dial(network, host, dialOptions...)
	if err != nil {
		return nil, queueErrors.NewConnectionError(redacted,
			fmt.Errorf("failed to connect: %w", err))
	}

	if password != "" {
		if _, err := conn.Do("AUTH", password); err != nil {
			conn.Close()
			return nil, queueErrors.NewConnectionError(redacted,
				fmt.Errorf("authentication failed: %w", err))
		}
	}

	if db != "" {
		if _, err := conn.Do("SELECT", db); err != nil {
			conn.Close()
			return nil, queueErrors.NewConnectionError(redacted,
				fmt.Errorf("failed to select database: %w", err))
		}
	}

	return conn, nil
}

// LoadCertPool loads a certificate pool from a file
func LoadCertPool(certPath string) (*x509.CertPool, error) {
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	certs, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cert file %q: %w", certPath, err)
	}

	if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
		return nil, fmt.Errorf("failed to append certs from %q", certPath)
	}

	return rootCAs, nil
}
