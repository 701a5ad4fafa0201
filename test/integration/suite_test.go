// Package integration stands up real Controllers and Stores over real TCP
// loopback listeners and drives them end to end.
package integration

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "distfs integration suite")
}
