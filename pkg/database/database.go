package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/BartekS5/totesys-etl/pkg/logger"
	"github.com/BartekS5/totesys-etl/pkg/models"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Source drivers accepted by ConnectSource.
const (
	DriverPostgres  = "postgres"
	DriverSQLServer = "sqlserver"
)

// DSN builds a connection URL for driver from decoded credentials.
func DSN(driver string, c models.DBCredentials) (string, error) {
	host := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	u := &url.URL{User: url.UserPassword(c.User, c.Password), Host: host}

	switch driver {
	case DriverPostgres, "":
		u.Scheme = "postgres"
		u.Path = "/" + c.Database
	case DriverSQLServer:
		u.Scheme = "sqlserver"
		u.RawQuery = url.Values{"database": {c.Database}}.Encode()
	default:
		return "", fmt.Errorf("unsupported source driver %q", driver)
	}
	return u.String(), nil
}

// ConnectSource opens and pings the operational source database.
func ConnectSource(ctx context.Context, driver string, c models.DBCredentials) (*sql.DB, error) {
	dsn, err := DSN(driver, c)
	if err != nil {
		return nil, err
	}

	sqlDriver := "pgx"
	if driver == DriverSQLServer {
		sqlDriver = "sqlserver"
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening source database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to source database (ping failed): %w", err)
	}

	logger.L().Info("connected to source database",
		zap.String("driver", sqlDriver),
		zap.String("host", c.Host),
		zap.String("database", c.Database))
	return db, nil
}

func ConnectMongo(ctx context.Context, connString string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(connString))
	if err != nil {
		return nil, fmt.Errorf("error creating MongoDB client: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	err = client.Ping(pingCtx, readpref.Primary())
	if err != nil {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		_ = client.Disconnect(disconnectCtx)

		return nil, fmt.Errorf("error connecting to MongoDB (ping failed): %w", err)
	}

	logger.L().Info("connected to MongoDB")
	return client, nil
}
