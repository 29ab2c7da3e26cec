// Command sharcd is a read-only grpc introspection daemon: it never
// executes a query or accepts a write, only exposes a database's schema
// and page-cache/version counters to operators (spec.md's Non-goal of no
// network replication or query surface). It also logs a periodic
// page-cache/freelist report on a cron schedule, the same role the
// teacher's internal/storage/scheduler.go gives cron-driven background
// jobs against the store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"

	"github.com/robfig/cron/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sharclabs/sharc"
)

var (
	flagDB       = flag.String("db", "", "path to the database file to introspect")
	flagGRPC     = flag.String("grpc", ":9091", "grpc listen address")
	flagCron     = flag.String("cron", "@every 1m", "cron expression for the periodic stats report")
	flagCacheSiz = flag.Int("cache", 256, "page cache size, in pages (0 disables the cache)")
)

// jsonCodec mirrors the teacher's hand-rolled grpc JSON codec
// (cmd/server/main.go) — no protobuf toolchain involved.
type jsonCodec struct{}

func (jsonCodec) Name() string                      { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// schemaRequest/schemaResponse and statsRequest/statsResponse are the
// daemon's two read-only RPCs.
type schemaRequest struct{}

type tableSummary struct {
	Name       string `json:"name"`
	RootPage   uint32 `json:"rootPage"`
	ColumnCount int   `json:"columnCount"`
}

type indexSummary struct {
	Name     string `json:"name"`
	Table    string `json:"table"`
	RootPage uint32 `json:"rootPage"`
}

type schemaResponse struct {
	Tables  []tableSummary `json:"tables"`
	Indexes []indexSummary `json:"indexes"`
	Views   []string       `json:"views"`
}

type statsRequest struct{}

type statsResponse struct {
	PageSize          int    `json:"pageSize"`
	UsablePageSize    int    `json:"usablePageSize"`
	PageCount         uint32 `json:"pageCount"`
	DataVersion       uint64 `json:"dataVersion"`
	FreelistPageCount uint32 `json:"freelistPageCount"`
	CacheCapacity     int    `json:"cacheCapacity"`
	CacheUsed         int    `json:"cacheUsed"`
}

// IntrospectionServer is the grpc service interface, registered manually
// (spec.md's daemon is intentionally tiny — two RPCs, no streaming).
type IntrospectionServer interface {
	Schema(context.Context, *schemaRequest) (*schemaResponse, error)
	Stats(context.Context, *statsRequest) (*statsResponse, error)
}

func registerIntrospectionServer(s *grpc.Server, srv IntrospectionServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "sharcd.Introspection",
		HandlerType: (*IntrospectionServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Schema", Handler: _Introspection_Schema_Handler},
			{MethodName: "Stats", Handler: _Introspection_Stats_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "sharcd",
	}, srv)
}

func _Introspection_Schema_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(schemaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).Schema(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/sharcd.Introspection/Schema"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntrospectionServer).Schema(ctx, req.(*schemaRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Introspection_Stats_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(statsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/sharcd.Introspection/Stats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntrospectionServer).Stats(ctx, req.(*statsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// daemon wraps one read-only Database handle, safe to share across grpc
// calls and the cron job since Database's reads need no external
// synchronisation beyond what btree.Cursor already does per spec.md §5
// (single-writer, many concurrent readers).
type daemon struct {
	db *sharc.Database
}

func (d *daemon) Schema(ctx context.Context, _ *schemaRequest) (*schemaResponse, error) {
	if err := d.db.Refresh(); err != nil {
		return nil, err
	}
	s := d.db.Schema()
	resp := &schemaResponse{}
	for _, t := range s.Tables {
		resp.Tables = append(resp.Tables, tableSummary{Name: t.Name, RootPage: t.RootPage, ColumnCount: len(t.Columns)})
	}
	for _, idx := range s.Indexes {
		resp.Indexes = append(resp.Indexes, indexSummary{Name: idx.Name, Table: idx.Table, RootPage: idx.RootPage})
	}
	for _, v := range s.Views {
		resp.Views = append(resp.Views, v.Name)
	}
	return resp, nil
}

func (d *daemon) Stats(ctx context.Context, _ *statsRequest) (*statsResponse, error) {
	resp := &statsResponse{
		PageSize:          d.db.PageSize(),
		UsablePageSize:    d.db.UsablePageSize(),
		PageCount:         d.db.PageCount(),
		DataVersion:       d.db.DataVersion(),
		FreelistPageCount: d.db.FreelistPageCount(),
	}
	if capacity, used, ok := d.db.CacheStats(); ok {
		resp.CacheCapacity, resp.CacheUsed = capacity, used
	}
	return resp, nil
}

// logStatsReport is the cron job body: a one-line page-cache/freelist
// summary, the periodic-report role the teacher's Scheduler gives its
// JobExecutor-driven background jobs.
func (d *daemon) logStatsReport() {
	stats, err := d.Stats(context.Background(), &statsRequest{})
	if err != nil {
		log.Printf("stats report: %v", err)
		return
	}
	log.Printf("pages=%d freelist=%d cache=%d/%d dataVersion=%d",
		stats.PageCount, stats.FreelistPageCount, stats.CacheUsed, stats.CacheCapacity, stats.DataVersion)
}

func main() {
	flag.Parse()
	if *flagDB == "" {
		log.Fatal("sharcd: -db is required")
	}

	db, err := sharc.Open(*flagDB, sharc.OpenOptions{PageCacheSize: *flagCacheSiz})
	if err != nil {
		log.Fatalf("sharcd: open %s: %v", *flagDB, err)
	}
	defer db.Close()
	d := &daemon{db: db}

	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc(*flagCron, d.logStatsReport); err != nil {
		log.Fatalf("sharcd: bad -cron expression %q: %v", *flagCron, err)
	}
	sched.Start()
	defer sched.Stop()

	encoding.RegisterCodec(jsonCodec{})
	lis, err := net.Listen("tcp", *flagGRPC)
	if err != nil {
		log.Fatalf("sharcd: listen %s: %v", *flagGRPC, err)
	}
	s := grpc.NewServer()
	registerIntrospectionServer(s, d)
	log.Printf("sharcd: serving %s on %s (cron %q)", *flagDB, *flagGRPC, *flagCron)
	if err := s.Serve(lis); err != nil {
		log.Fatalf("sharcd: serve: %v", err)
	}
}
