// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/asch/sheepvol/internal/sheep/oid"
	"github.com/asch/sheepvol/internal/sheep/proto"
)

func TestKeyEncoding(t *testing.T) {
	tests := []struct {
		oid oid.OID
		key string
	}{
		{oid.Data(0x7c2b25, 3), "00000003/007c2b25"},
		{oid.Vdi(0x7c2b25), "00000000/807c2b25"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.key, encode(tt.oid))
		assert.Equal(t, tt.oid, decode(tt.key))
	}
}

func TestTranslate(t *testing.T) {
	o := oid.Data(1, 1)

	assert.NoError(t, translate(nil, o))

	missing := awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)
	assert.True(t, errors.Is(translate(missing, o), proto.ResNoObj))

	notFound := awserr.New("NotFound", "head failed", nil)
	assert.True(t, errors.Is(translate(notFound, o), proto.ResNoObj))

	other := awserr.New("AccessDenied", "denied", nil)
	assert.Equal(t, other, translate(other, o))
}
