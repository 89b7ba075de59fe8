package main

import "testing"

func TestRedisOptions(t *testing.T) {
	opts := redisOptions("redis://:secret@cache:6380/2")
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected url options %+v", opts)
	}

	opts = redisOptions("cache.example:6380, password=pw,ssl=True,abortConnect=False")
	if opts.Addr != "cache.example:6380" || opts.Password != "pw" {
		t.Fatalf("unexpected connection string options %+v", opts)
	}
	if opts.TLSConfig == nil {
		t.Fatal("expected TLS to be enabled")
	}
}
