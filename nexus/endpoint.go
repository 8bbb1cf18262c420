package nexus

import (
	"fmt"
	"strings"
)

// Environment selects a knowledge-graph deployment.
type Environment string

// Known deployments.
const (
	Production Environment = "production"
	Staging    Environment = "staging"
	AWS        Environment = "aws"
)

var endpoints = map[Environment]string{
	Production: "https://bbp.epfl.ch/nexus/v1",
	Staging:    "https://staging.nise.bbp.epfl.ch/nexus/v1",
	AWS:        "https://sbo-nexus-delta.shapes-registry.org/v1",
}

// ParseEnvironment parses a deployment name, ignoring case.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := endpoints[env]; !ok {
		return "", fmt.Errorf("unknown environment %q (want production, staging or aws)", s)
	}
	return env, nil
}

// URL returns the API base of the deployment.
func (e Environment) URL() string {
	return endpoints[e]
}

// Bucket is an organisation/project pair.
type Bucket struct {
	Org     string
	Project string
}

// ParseBucket parses "<org>/<project>".
func ParseBucket(s string) (Bucket, error) {
	org, project, ok := strings.Cut(s, "/")
	if !ok || org == "" || project == "" || strings.Contains(project, "/") {
		return Bucket{}, fmt.Errorf("invalid bucket %q (want <org>/<project>)", s)
	}
	return Bucket{Org: org, Project: project}, nil
}

func (b Bucket) String() string {
	return b.Org + "/" + b.Project
}
