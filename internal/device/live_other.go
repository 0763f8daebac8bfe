//go:build !linux

package device

import (
	"fmt"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// emptyContext stands in for live capture where V4L2 does not exist
type emptyContext struct{}

// NewLiveContext reports no devices outside Linux
func NewLiveContext(nodes map[stream.ID]string, buffers uint32) Context {
	logger.WithComponent("v4l2").Warn().Int("nodes", len(nodes)).Msg("Live capture requires Linux (V4L2)")
	return emptyContext{}
}

func (emptyContext) Mode() Mode       { return ModeLive }
func (emptyContext) DeviceCount() int { return 0 }
func (emptyContext) Close() error     { return nil }

func (emptyContext) Device(index int) (Device, error) {
	return nil, indexError(index, 0)
}

// NodeInfo describes a configured V4L2 node
type NodeInfo struct {
	Stream  stream.ID
	Node    string
	Formats []string
	Err     error
}

// DescribeNodes reports every node as unavailable outside Linux
func DescribeNodes(nodes map[stream.ID]string) []NodeInfo {
	infos := make([]NodeInfo, 0, len(nodes))
	for _, id := range stream.All {
		if node, ok := nodes[id]; ok {
			infos = append(infos, NodeInfo{Stream: id, Node: node, Err: fmt.Errorf("V4L2 is only available on Linux")})
		}
	}
	return infos
}
