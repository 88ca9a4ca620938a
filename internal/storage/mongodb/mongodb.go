// Package mongodb implements the persistence contracts of pkg/oidf on top
// of a MongoDB database, one collection per record type. Documents are
// stored with their JSON field names so that the same structs serve both
// the wire and the database.
package mongodb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spid-oidc/go-rp/internal/timeutil"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

const (
	collectionFederationEntities = "federation_entities"
	collectionEntityInfo         = "entity_info"
	collectionTrustChains        = "trust_chains"
	collectionAuthRequests       = "auth_requests"
)

// Database returns a handle configured to use JSON struct tags, the way all
// managers of this package expect.
func Database(client *mongo.Client, name string) *mongo.Database {
	opts := options.Database().SetBSONOptions(&options.BSONOptions{
		UseJSONStructTags: true,
	})
	return client.Database(name, opts)
}

type FederationEntityManager struct {
	Collection *mongo.Collection
}

func NewFederationEntityManager(database *mongo.Database) FederationEntityManager {
	return FederationEntityManager{
		Collection: database.Collection(collectionFederationEntities),
	}
}

func (m FederationEntityManager) Entity(ctx context.Context, subject string) (*oidf.FederationEntity, error) {
	filter := bson.D{{Key: "sub", Value: subject}}

	var entity oidf.FederationEntity
	if err := m.Collection.FindOne(ctx, filter).Decode(&entity); err != nil {
		return nil, mapError(err)
	}

	return &entity, nil
}

func (m FederationEntityManager) EntityByType(ctx context.Context, entityType oidf.EntityType) (*oidf.FederationEntity, error) {
	filter := bson.D{{Key: "entity_type", Value: entityType}}

	var entity oidf.FederationEntity
	if err := m.Collection.FindOne(ctx, filter).Decode(&entity); err != nil {
		return nil, mapError(err)
	}

	return &entity, nil
}

func (m FederationEntityManager) Save(ctx context.Context, entity *oidf.FederationEntity) error {
	entity.ModifiedAt = timeutil.TimestampNow()

	filter := bson.D{{Key: "sub", Value: entity.Subject}}
	opts := options.Replace().SetUpsert(true)
	if _, err := m.Collection.ReplaceOne(ctx, filter, entity, opts); err != nil {
		return err
	}

	return nil
}

type EntityInfoManager struct {
	Collection *mongo.Collection
}

func NewEntityInfoManager(database *mongo.Database) EntityInfoManager {
	return EntityInfoManager{
		Collection: database.Collection(collectionEntityInfo),
	}
}

func (m EntityInfoManager) Info(ctx context.Context, subject, issuer string) (*oidf.CachedEntityInfo, error) {
	filter := bson.D{
		{Key: "sub", Value: subject},
		{Key: "iss", Value: issuer},
	}

	var info oidf.CachedEntityInfo
	if err := m.Collection.FindOne(ctx, filter).Decode(&info); err != nil {
		return nil, mapError(err)
	}

	return &info, nil
}

func (m EntityInfoManager) Save(ctx context.Context, info *oidf.CachedEntityInfo) error {
	info.ModifiedAt = timeutil.TimestampNow()

	filter := bson.D{
		{Key: "sub", Value: info.Subject},
		{Key: "iss", Value: info.Issuer},
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := m.Collection.ReplaceOne(ctx, filter, info, opts); err != nil {
		return err
	}

	return nil
}

func (m EntityInfoManager) Invalidate(ctx context.Context, subject, issuer string) error {
	filter := bson.D{
		{Key: "sub", Value: subject},
		{Key: "iss", Value: issuer},
	}
	if _, err := m.Collection.DeleteOne(ctx, filter); err != nil {
		return err
	}

	return nil
}

type TrustChainManager struct {
	Collection *mongo.Collection
}

func NewTrustChainManager(database *mongo.Database) TrustChainManager {
	return TrustChainManager{
		Collection: database.Collection(collectionTrustChains),
	}
}

func (m TrustChainManager) Chain(ctx context.Context, subject, trustAnchor string, metadataType oidf.EntityType) (*oidf.TrustChain, error) {
	filter := bson.D{
		{Key: "sub", Value: subject},
		{Key: "trust_anchor", Value: trustAnchor},
		{Key: "metadata_type", Value: metadataType},
	}

	var chain oidf.TrustChain
	if err := m.Collection.FindOne(ctx, filter).Decode(&chain); err != nil {
		return nil, mapError(err)
	}

	return &chain, nil
}

func (m TrustChainManager) ProviderChain(ctx context.Context, subject string) (*oidf.TrustChain, error) {
	filter := bson.D{
		{Key: "sub", Value: subject},
		{Key: "metadata_type", Value: oidf.EntityTypeOpenIDProvider},
	}

	var chain oidf.TrustChain
	if err := m.Collection.FindOne(ctx, filter).Decode(&chain); err != nil {
		return nil, mapError(err)
	}

	return &chain, nil
}

func (m TrustChainManager) Save(ctx context.Context, chain *oidf.TrustChain) error {
	filter := bson.D{
		{Key: "sub", Value: chain.Subject},
		{Key: "trust_anchor", Value: chain.TrustAnchor},
		{Key: "metadata_type", Value: chain.MetadataType},
	}

	saved := *chain
	saved.ModifiedAt = timeutil.TimestampNow()

	var existing oidf.TrustChain
	switch err := m.Collection.FindOne(ctx, filter).Decode(&existing); {
	case err == nil:
		saved.CreatedAt = existing.CreatedAt
		saved.Active = existing.Active
	case errors.Is(err, mongo.ErrNoDocuments):
		if saved.CreatedAt == 0 {
			saved.CreatedAt = saved.ModifiedAt
		}
	default:
		return err
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := m.Collection.ReplaceOne(ctx, filter, saved, opts); err != nil {
		return err
	}

	return nil
}

func (m TrustChainManager) Deactivate(ctx context.Context, subject, trustAnchor string, metadataType oidf.EntityType) error {
	filter := bson.D{
		{Key: "sub", Value: subject},
		{Key: "trust_anchor", Value: trustAnchor},
		{Key: "metadata_type", Value: metadataType},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "active", Value: false},
		{Key: "modified_at", Value: timeutil.TimestampNow()},
	}}}

	result, err := m.Collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return oidf.ErrNotFound
	}

	return nil
}

type AuthRequestManager struct {
	Collection *mongo.Collection
}

func NewAuthRequestManager(database *mongo.Database) AuthRequestManager {
	return AuthRequestManager{
		Collection: database.Collection(collectionAuthRequests),
	}
}

func (m AuthRequestManager) Request(ctx context.Context, state string) (*oidf.AuthRequest, error) {
	filter := bson.D{{Key: "state", Value: state}}

	var request oidf.AuthRequest
	if err := m.Collection.FindOne(ctx, filter).Decode(&request); err != nil {
		return nil, mapError(err)
	}

	return &request, nil
}

func (m AuthRequestManager) Save(ctx context.Context, request *oidf.AuthRequest) error {
	request.CreatedAt = timeutil.TimestampNow()

	if _, err := m.Collection.InsertOne(ctx, request); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return oidf.Errorf(oidf.CodeConflictingState, "an authorization request with this state already exists", err)
		}
		return err
	}

	return nil
}

func mapError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return oidf.ErrNotFound
	}
	return err
}

var (
	_ oidf.FederationEntityManager = FederationEntityManager{}
	_ oidf.EntityInfoManager       = EntityInfoManager{}
	_ oidf.TrustChainManager       = TrustChainManager{}
	_ oidf.AuthRequestManager      = AuthRequestManager{}
)
