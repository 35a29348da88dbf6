/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProceedOnDefaults(t *testing.T) {
	set, err := ParseProceedOn(KindSteeringInbound, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultProceedOn(KindSteeringInbound), set)

	set, err = ParseProceedOn(KindSteeringOutbound, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultProceedOn(KindSteeringOutbound), set)
}

func TestParseProceedOnRejectsUnknownToken(t *testing.T) {
	_, err := ParseProceedOn(KindSteeringInbound, []string{"pass", "frobnicate"})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidArgument, kind)
}

func TestParseProceedOnRejectsCrossVocabularyToken(t *testing.T) {
	// "shot" is valid for steering-outbound but not steering-inbound.
	_, err := ParseProceedOn(KindSteeringInbound, []string{"shot"})
	require.Error(t, err)
}

func TestParseProceedOnNotMeaningfulForTracing(t *testing.T) {
	_, err := ParseProceedOn(KindTracingKprobe, []string{"pass"})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInternal, kind)
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("ingress")
	require.NoError(t, err)
	assert.Equal(t, DirectionIngress, d)
	assert.Equal(t, "in", d.String())

	d, err = ParseDirection("egress")
	require.NoError(t, err)
	assert.Equal(t, DirectionEgress, d)
	assert.Equal(t, "eg", d.String())

	_, err = ParseDirection("sideways")
	require.Error(t, err)
}

func TestProgramKindDispatches(t *testing.T) {
	assert.True(t, KindSteeringInbound.Dispatches())
	assert.True(t, KindSteeringOutbound.Dispatches())
	assert.True(t, KindFastPath.Dispatches())
	assert.False(t, KindTracingTracepoint.Dispatches())
	assert.False(t, KindTracingKprobe.Dispatches())
	assert.False(t, KindTracingUprobe.Dispatches())
	assert.False(t, KindUnsupported.Dispatches())
}
