package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-engine/internal/models"
	"chat-engine/internal/snapshot"
	"chat-engine/internal/upload"
)

// TransmitterMock records outbound frames.
type TransmitterMock struct {
	mock.Mock
}

func (m *TransmitterMock) Send(data []byte) error {
	args := m.Called(data)
	return args.Error(0)
}

// ProviderMock fakes the identity provider.
type ProviderMock struct {
	mock.Mock
}

func (m *ProviderMock) Token(ctx context.Context, forceRefresh bool) (string, error) {
	args := m.Called(ctx, forceRefresh)
	return args.String(0), args.Error(1)
}

// UploaderMock fakes the blob-store uploader.
type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) Upload(ctx context.Context, file upload.File, progress upload.Progress) (models.Attachment, error) {
	args := m.Called(ctx, file, progress)
	var att models.Attachment
	if val := args.Get(0); val != nil {
		att = val.(models.Attachment)
	}
	return att, args.Error(1)
}

// SnapshotStoreMock fakes the durable cache.
type SnapshotStoreMock struct {
	mock.Mock
}

func (m *SnapshotStoreMock) Load(ctx context.Context) ([]snapshot.Shell, []models.Group, error) {
	args := m.Called(ctx)
	var shells []snapshot.Shell
	if val := args.Get(0); val != nil {
		shells = val.([]snapshot.Shell)
	}
	var groups []models.Group
	if val := args.Get(1); val != nil {
		groups = val.([]models.Group)
	}
	return shells, groups, args.Error(2)
}

func (m *SnapshotStoreMock) SaveShell(ctx context.Context, shell snapshot.Shell) error {
	args := m.Called(ctx, shell)
	return args.Error(0)
}

func (m *SnapshotStoreMock) DeleteShell(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *SnapshotStoreMock) SaveGroup(ctx context.Context, group models.Group) error {
	args := m.Called(ctx, group)
	return args.Error(0)
}

func (m *SnapshotStoreMock) DeleteGroup(ctx context.Context, groupID string) error {
	args := m.Called(ctx, groupID)
	return args.Error(0)
}

func (m *SnapshotStoreMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// PublisherMock fakes the AMQP audit publisher.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
