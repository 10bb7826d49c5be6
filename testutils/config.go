/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"os"
	"strings"
	"testing"
)

type Config struct {
	// MongoSeeds is empty unless RSGTEST_MONGOSEEDS is set, in which case
	// tests against a live replica set are enabled.
	MongoSeeds   []string
	MongoSetName string
	MongoUser    string
	MongoPass    string

	// EtcdEndpoints is empty unless RSGTEST_ETCDENDPOINTS is set.
	EtcdEndpoints []string
}

var globalTestConfig *Config

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func GetTestConfig(t *testing.T) *Config {
	if globalTestConfig == nil {
		testConfig := &Config{
			MongoSetName: "rs0",
		}

		testConfig.MongoSeeds = splitList(os.Getenv("RSGTEST_MONGOSEEDS"))

		envSetName := os.Getenv("RSGTEST_MONGOSETNAME")
		if envSetName != "" {
			testConfig.MongoSetName = envSetName
		}

		testConfig.MongoUser = os.Getenv("RSGTEST_MONGOUSER")
		testConfig.MongoPass = os.Getenv("RSGTEST_MONGOPASS")

		testConfig.EtcdEndpoints = splitList(os.Getenv("RSGTEST_ETCDENDPOINTS"))

		t.Logf("initialized test configuration")
		t.Logf("  mongoseeds: %v", testConfig.MongoSeeds)
		t.Logf("  mongosetname: %s", testConfig.MongoSetName)
		t.Logf("  mongouser: %s", testConfig.MongoUser)
		t.Logf("  etcdendpoints: %v", testConfig.EtcdEndpoints)

		globalTestConfig = testConfig
	}

	return globalTestConfig
}

// RequireMongo skips the test unless a live replica set is configured.
func RequireMongo(t *testing.T) *Config {
	config := GetTestConfig(t)
	if len(config.MongoSeeds) == 0 {
		t.Skip("skipping test as RSGTEST_MONGOSEEDS is not set")
	}
	return config
}

// RequireEtcd skips the test unless an etcd cluster is configured.
func RequireEtcd(t *testing.T) *Config {
	config := GetTestConfig(t)
	if len(config.EtcdEndpoints) == 0 {
		t.Skip("skipping test as RSGTEST_ETCDENDPOINTS is not set")
	}
	return config
}
