package configv2

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/option"
	"sigs.k8s.io/yaml"

	"go.f110.dev/instances/pkg/database"
)

const (
	DefaultUpdateInterval  = 10 * time.Second
	DefaultInternalApiBind = ":4004"
	DefaultEtcdDialTimeout = 1 * time.Second
)

type Config struct {
	Instances   *Instances   `json:"instances,omitempty"`
	Datastore   *Datastore   `json:"datastore,omitempty"`
	Logger      *Logger      `json:"logger,omitempty"`
	InternalApi *InternalApi `json:"internal_api,omitempty"`
}

type Instances struct {
	// Id overrides the generated identity. Usually empty.
	Id             string    `json:"id,omitempty"`
	UpdateInterval *Duration `json:"update_interval,omitempty"`
	LeaderStrategy string    `json:"leader_strategy,omitempty"` // none, oldest, newest or lowest_id
	ErrorStrategy  string    `json:"error_strategy,omitempty"`  // error or use_last_info
	Codec          string    `json:"codec,omitempty"`           // json or yaml
	// Metadata is published as the payload of the local instance.
	Metadata     map[string]string `json:"metadata,omitempty"`
	MetadataFile string            `json:"metadata_file,omitempty"`
}

type Datastore struct {
	// Backend selects the store explicitly. When empty, the only configured section is used.
	Backend string `json:"backend,omitempty"`

	Memory    *DatastoreMemory    `json:"memory,omitempty"`
	Etcd      *DatastoreEtcd      `json:"etcd,omitempty"`
	MySQL     *DatastoreMySQL     `json:"mysql,omitempty"`
	Postgres  *DatastorePostgres  `json:"postgres,omitempty"`
	Memcached *DatastoreMemcached `json:"memcached,omitempty"`
	MinIO     *DatastoreMinIO     `json:"minio,omitempty"`
	GCS       *DatastoreGCS       `json:"gcs,omitempty"`
}

type DatastoreMemory struct{}

type DatastoreEtcd struct {
	RawUrl      string    `json:"url"`
	Namespace   string    `json:"namespace,omitempty"`
	CACertFile  string    `json:"ca_cert_file,omitempty"`
	CertFile    string    `json:"cert_file,omitempty"`
	KeyFile     string    `json:"key_file,omitempty"`
	DialTimeout *Duration `json:"dial_timeout,omitempty"`
	// CompactionInterval is the interval of the compaction of the keyspace. A negative value disables the compaction.
	CompactionInterval *Duration `json:"compaction_interval,omitempty"`

	Url         *url.URL        `json:"-"`
	EtcdUrl     *url.URL        `json:"-"`
	Certificate tls.Certificate `json:"-"`
	CertPool    *x509.CertPool  `json:"-"`

	etcdClient *clientv3.Client
}

type DatastoreMySQL struct {
	RawUrl string `json:"url"`

	DSN *mysql.Config `json:"-"`
}

type DatastorePostgres struct {
	RawUrl string `json:"url"`

	PoolConfig *pgxpool.Config `json:"-"`
}

type DatastoreMemcached struct {
	Servers []string  `json:"servers"`
	Prefix  string    `json:"prefix,omitempty"`
	Timeout *Duration `json:"timeout,omitempty"`
}

type DatastoreMinIO struct {
	Endpoint            string `json:"endpoint"`
	Bucket              string `json:"bucket"`
	Path                string `json:"path,omitempty"`
	Secure              bool   `json:"secure,omitempty"`
	AccessKeyID         string `json:"access_key_id,omitempty"`
	SecretAccessKeyFile string `json:"secret_access_key_file,omitempty"`

	SecretAccessKey string `json:"-"`
}

type DatastoreGCS struct {
	Bucket             string `json:"bucket"`
	Path               string `json:"path,omitempty"`
	ServiceAccountFile string `json:"service_account_file,omitempty"`

	ServiceAccountJSON []byte `json:"-"`
}

type Logger struct {
	Level    string `json:"level"`
	Encoding string `json:"encoding"` // json or console
}

type InternalApi struct {
	Bind string `json:"bind,omitempty"`
}

type Duration struct {
	time.Duration
}

func (d *Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	v := ""
	err := json.Unmarshal(b, &v)
	if err != nil {
		return err
	}

	y, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	d.Duration = y
	return nil
}

func (i *Instances) Load(dir string) error {
	if i.UpdateInterval == nil {
		i.UpdateInterval = &Duration{Duration: DefaultUpdateInterval}
	}
	if i.UpdateInterval.Duration <= 0 {
		return xerrors.Newf("config: update_interval must be positive: %s", i.UpdateInterval.Duration)
	}
	if i.MetadataFile != "" {
		b, err := os.ReadFile(absPath(i.MetadataFile, dir))
		if err != nil {
			return xerrors.WithStack(err)
		}
		m := make(map[string]string)
		if err := yaml.Unmarshal(b, &m); err != nil {
			return xerrors.WithMessagef(err, "config: failed to parse %s", i.MetadataFile)
		}
		if i.Metadata == nil {
			i.Metadata = make(map[string]string)
		}
		// Values in the config file take precedence over the metadata file.
		for k, v := range m {
			if _, ok := i.Metadata[k]; !ok {
				i.Metadata[k] = v
			}
		}
	}

	return nil
}

// Type returns the type of the configured store.
func (d *Datastore) Type() (database.BackendType, error) {
	configured := d.configured()
	if d.Backend != "" {
		t, err := database.ParseBackendType(d.Backend)
		if err != nil {
			return "", err
		}
		if t == database.BackendMemory {
			return t, nil
		}
		for _, v := range configured {
			if v == t {
				return t, nil
			}
		}
		return "", xerrors.Newf("config: datastore.%s is required for backend %s", t, t)
	}

	switch len(configured) {
	case 0:
		return "", xerrors.New("config: datastore is not configured")
	case 1:
		return configured[0], nil
	default:
		return "", xerrors.Newf("config: multiple datastores are configured: %v. specify datastore.backend", configured)
	}
}

func (d *Datastore) configured() []database.BackendType {
	var result []database.BackendType
	if d.Memory != nil {
		result = append(result, database.BackendMemory)
	}
	if d.Etcd != nil {
		result = append(result, database.BackendEtcd)
	}
	if d.MySQL != nil {
		result = append(result, database.BackendMySQL)
	}
	if d.Postgres != nil {
		result = append(result, database.BackendPostgres)
	}
	if d.Memcached != nil {
		result = append(result, database.BackendMemcached)
	}
	if d.MinIO != nil {
		result = append(result, database.BackendMinIO)
	}
	if d.GCS != nil {
		result = append(result, database.BackendGCS)
	}
	return result
}

func (d *Datastore) Load(dir string) error {
	if _, err := d.Type(); err != nil {
		return err
	}

	if d.Etcd != nil {
		if err := d.Etcd.Load(dir); err != nil {
			return err
		}
	}
	if d.MySQL != nil {
		if err := d.MySQL.Load(); err != nil {
			return err
		}
	}
	if d.Postgres != nil {
		if err := d.Postgres.Load(); err != nil {
			return err
		}
	}
	if d.Memcached != nil && len(d.Memcached.Servers) == 0 {
		return xerrors.New("config: datastore.memcached.servers is required")
	}
	if d.MinIO != nil {
		if err := d.MinIO.Load(dir); err != nil {
			return err
		}
	}
	if d.GCS != nil {
		if err := d.GCS.Load(dir); err != nil {
			return err
		}
	}

	return nil
}

func (d *DatastoreEtcd) Load(dir string) error {
	u, err := url.Parse(d.RawUrl)
	if err != nil {
		return xerrors.WithStack(err)
	}
	d.Url = u

	if d.Namespace != "" {
		if !strings.HasSuffix(d.Namespace, "/") {
			d.Namespace += "/"
		}
	} else {
		d.Namespace = "/"
	}

	if d.CACertFile != "" {
		b, err := os.ReadFile(absPath(d.CACertFile, dir))
		if err != nil {
			return xerrors.WithStack(err)
		}
		block, _ := pem.Decode(b)
		if block == nil {
			return xerrors.Newf("config: %s is not a PEM file", d.CACertFile)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return xerrors.WithStack(err)
		}
		d.CertPool = x509.NewCertPool()
		d.CertPool.AddCert(cert)
	}
	if d.CertFile != "" && d.KeyFile != "" {
		b, err := os.ReadFile(absPath(d.CertFile, dir))
		if err != nil {
			return xerrors.WithStack(err)
		}
		k, err := os.ReadFile(absPath(d.KeyFile, dir))
		if err != nil {
			return xerrors.WithStack(err)
		}
		c, err := tls.X509KeyPair(b, k)
		if err != nil {
			return xerrors.WithStack(err)
		}
		d.Certificate = c
	}

	switch d.Url.Scheme {
	case "etcd":
		u := new(url.URL)
		*u = *d.Url
		u.Scheme = "http"
		d.EtcdUrl = u
	case "etcds":
		if d.CertPool == nil {
			return xerrors.New("ca_cert_file, cert_file and key_file are a mandatory value")
		}

		u := new(url.URL)
		*u = *d.Url
		u.Scheme = "https"
		d.EtcdUrl = u
	default:
		return xerrors.Newf("config: unsupported scheme of etcd url: %s", d.Url.Scheme)
	}

	return nil
}

func (d *DatastoreEtcd) GetEtcdClient(loggerConf *Logger) (*clientv3.Client, error) {
	if d.etcdClient != nil {
		return d.etcdClient, nil
	}

	encoder := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var tlsConfig *tls.Config
	if d.CertPool != nil {
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{d.Certificate},
			RootCAs:      d.CertPool,
		}
	}
	dialTimeout := DefaultEtcdDialTimeout
	if d.DialTimeout != nil {
		dialTimeout = d.DialTimeout.Duration
	}
	if loggerConf == nil {
		loggerConf = &Logger{}
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{d.EtcdUrl.String()},
		DialTimeout: dialTimeout,
		LogConfig:   loggerConf.ZapConfig(encoder),
		TLS:         tlsConfig,
	})
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	client.KV = namespace.NewKV(client.KV, d.Namespace)
	client.Lease = namespace.NewLease(client.Lease, d.Namespace)
	client.Watcher = namespace.NewWatcher(client.Watcher, d.Namespace)
	d.etcdClient = client
	return client, nil
}

func (d *DatastoreMySQL) Load() error {
	raw := strings.TrimPrefix(d.RawUrl, "mysql://")
	cfg, err := mysql.ParseDSN(raw)
	if err != nil {
		return xerrors.WithStack(err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	d.DSN = cfg

	return nil
}

func (d *DatastoreMySQL) GetMySQLConn() (*sql.DB, error) {
	conn, err := sql.Open("mysql", d.DSN.FormatDSN())
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	return conn, nil
}

func (d *DatastorePostgres) Load() error {
	cfg, err := pgxpool.ParseConfig(d.RawUrl)
	if err != nil {
		return xerrors.WithStack(err)
	}
	d.PoolConfig = cfg

	return nil
}

func (d *DatastorePostgres) GetPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, d.PoolConfig)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	return pool, nil
}

func (d *DatastoreMemcached) GetClient() *memcache.Client {
	client := memcache.New(d.Servers...)
	if d.Timeout != nil {
		client.Timeout = d.Timeout.Duration
	}
	return client
}

func (d *DatastoreMinIO) Load(dir string) error {
	if d.Endpoint == "" || d.Bucket == "" {
		return xerrors.New("config: datastore.minio.endpoint and bucket are required")
	}
	if d.SecretAccessKeyFile != "" {
		b, err := os.ReadFile(absPath(d.SecretAccessKeyFile, dir))
		if err != nil {
			return xerrors.WithStack(err)
		}
		d.SecretAccessKey = strings.TrimSpace(string(b))
	}

	return nil
}

func (d *DatastoreMinIO) GetClient() (*minio.Client, error) {
	creds := credentials.NewStaticV4(d.AccessKeyID, d.SecretAccessKey, "")
	mc, err := minio.New(d.Endpoint, &minio.Options{Creds: creds, Secure: d.Secure})
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return mc, nil
}

func (d *DatastoreGCS) Load(dir string) error {
	if d.Bucket == "" {
		return xerrors.New("config: datastore.gcs.bucket is required")
	}
	if d.ServiceAccountFile != "" {
		b, err := os.ReadFile(absPath(d.ServiceAccountFile, dir))
		if err != nil {
			return xerrors.WithStack(err)
		}
		d.ServiceAccountJSON = b
	}

	return nil
}

// GetClient returns the client of Cloud Storage.
// Without a service account file, the application default credentials are used.
func (d *DatastoreGCS) GetClient(ctx context.Context) (*storage.Client, error) {
	var opts []option.ClientOption
	if len(d.ServiceAccountJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(d.ServiceAccountJSON))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return client, nil
}

func (i *InternalApi) Load() {
	if i.Bind == "" {
		i.Bind = DefaultInternalApiBind
	}
}

func (l *Logger) ZapConfig(encoder zapcore.EncoderConfig) *zap.Config {
	level := zap.InfoLevel
	switch l.Level {
	case "debug":
		level = zap.DebugLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	case "panic":
		level = zap.PanicLevel
	case "fatal":
		level = zap.FatalLevel
	}
	encoding := "json"
	if l.Encoding != "" {
		encoding = l.Encoding
	}

	return &zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Sampling:         nil, // disable sampling
		Encoding:         encoding,
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

func absPath(path, dir string) string {
	if strings.HasPrefix(path, "./") {
		a, err := filepath.Abs(filepath.Join(dir, path))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ""
		}
		return a
	}
	return path
}
