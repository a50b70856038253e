package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/registrar/pkg/api"
)

// MongoStore implements Store on MongoDB. Every concern lives in its own
// collection of the configured database.
type MongoStore struct {
	instances   *mongo.Collection
	checkpoints *mongo.Collection
	signals     *mongo.Collection
	events      *mongo.Collection
	entities    *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "registrar" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "registrar"
	}
	db := client.Database(dbName)
	return &MongoStore{
		instances:   db.Collection("instances"),
		checkpoints: db.Collection("checkpoints"),
		signals:     db.Collection("signals"),
		events:      db.Collection("events"),
		entities:    db.Collection("entities"),
	}
}

type mongoInstanceDoc struct {
	ID             string    `bson:"_id"`
	Workflow       string    `bson:"workflow_name"`
	Status         string    `bson:"status"`
	Input          []byte    `bson:"input,omitempty"`
	Output         []byte    `bson:"output,omitempty"`
	Error          string    `bson:"error,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
	LeaseOwner     string    `bson:"lease_owner"`
	LeaseExpiresAt int64     `bson:"lease_expires_at"`
}

type mongoCheckpointDoc struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instance_id"`
	Key        string    `bson:"key"`
	Data       []byte    `bson:"data"`
	CreatedAt  time.Time `bson:"created_at"`
}

type mongoSignalDoc struct {
	Name    string    `bson:"name"`
	Payload []byte    `bson:"payload"`
	At      time.Time `bson:"at"`
}

type mongoInboxDoc struct {
	ID    string           `bson:"_id"`
	Items []mongoSignalDoc `bson:"items"`
}

type mongoEventDoc struct {
	InstanceID   string `bson:"instance_id"`
	At           int64  `bson:"at"`
	Type         string `bson:"type"`
	WorkflowName string `bson:"workflow_name"`
	Detail       string `bson:"detail,omitempty"`
}

type mongoEntityDoc struct {
	ID    string `bson:"_id"`
	Name  string `bson:"name"`
	Key   string `bson:"key"`
	State []byte `bson:"state"`
}

func (s *MongoStore) SaveInstance(inst *api.WorkflowInstance) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inBytes, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	outBytes, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	doc := mongoInstanceDoc{
		ID:        inst.ID,
		Workflow:  inst.Name,
		Status:    string(inst.Status),
		Input:     inBytes,
		Output:    outBytes,
		Error:     errString(inst.Err),
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
	}

	_, err = s.instances.InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) UpdateInstance(inst *api.WorkflowInstance) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inBytes, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	outBytes, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	// Lease fields are owned by the lease methods and left untouched here.
	update := bson.M{
		"$set": bson.M{
			"workflow_name": inst.Name,
			"status":        string(inst.Status),
			"input":         inBytes,
			"output":        outBytes,
			"error":         errString(inst.Err),
			"updated_at":    inst.UpdatedAt,
		},
	}

	res, err := s.instances.UpdateByID(ctx, inst.ID, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var doc mongoInstanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.toInstance()
}

func (s *MongoStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bfilter := bson.M{}
	if filter.WorkflowName != "" {
		bfilter["workflow_name"] = filter.WorkflowName
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.instances.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := doc.toInstance()
		if err != nil {
			return nil, err
		}
		results = append(results, inst)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *mongoInstanceDoc) toInstance() (*api.WorkflowInstance, error) {
	inVal, err := DecodeValue[any](d.Input)
	if err != nil {
		return nil, err
	}
	outVal, err := DecodeValue[any](d.Output)
	if err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		ID:         d.ID,
		Name:       d.Workflow,
		Status:     api.Status(d.Status),
		Input:      inVal,
		Output:     outVal,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
		LeaseOwner: d.LeaseOwner,
	}
	if d.LeaseExpiresAt != 0 {
		inst.LeaseExpiresAt = time.Unix(0, d.LeaseExpiresAt)
	}
	if d.Error != "" {
		inst.Err = errors.New(d.Error)
	}
	return inst, nil
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := time.Now()

	filter := bson.M{
		"_id": instanceID,
		"$or": bson.A{
			bson.M{"lease_owner": ""},
			bson.M{"lease_owner": owner},
			bson.M{"lease_expires_at": bson.M{"$lt": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{
		"lease_owner":      owner,
		"lease_expires_at": now.Add(ttl).UnixNano(),
	}}

	res, err := s.instances.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	n, err := s.instances.CountDocuments(ctx, bson.M{"_id": instanceID})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrInstanceNotFound
	}
	return false, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": instanceID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires_at": time.Now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrWorkflowInstanceLocked
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": instanceID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0)}},
	)
	return err
}

func (s *MongoStore) SaveCheckpoint(ctx context.Context, instanceID, key string, data []byte) error {
	doc := mongoCheckpointDoc{
		ID:         instanceID + "/" + key,
		InstanceID: instanceID,
		Key:        key,
		Data:       data,
		CreatedAt:  time.Now(),
	}
	_, err := s.checkpoints.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetCheckpoint(ctx context.Context, instanceID, key string) ([]byte, error) {
	var doc mongoCheckpointDoc
	err := s.checkpoints.FindOne(ctx, bson.M{"_id": instanceID + "/" + key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Data, nil
}

func (s *MongoStore) ListCheckpoints(ctx context.Context, instanceID string) ([]Checkpoint, error) {
	cur, err := s.checkpoints.Find(ctx,
		bson.M{"instance_id": instanceID},
		options.Find().SetSort(bson.D{{Key: "key", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Checkpoint
	for cur.Next(ctx) {
		var doc mongoCheckpointDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, Checkpoint{Key: doc.Key, Data: doc.Data, CreatedAt: doc.CreatedAt})
	}
	return out, cur.Err()
}

// Signals of one instance are kept in a single inbox document so that $push
// gives them a stable order.
func (s *MongoStore) AppendSignal(ctx context.Context, instanceID string, sig SignalRecord) error {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	_, err := s.signals.UpdateOne(ctx,
		bson.M{"_id": instanceID},
		bson.M{"$push": bson.M{"items": mongoSignalDoc{Name: sig.Name, Payload: sig.Payload, At: sig.At}}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) ListSignals(ctx context.Context, instanceID string) ([]SignalRecord, error) {
	var doc mongoInboxDoc
	err := s.signals.FindOne(ctx, bson.M{"_id": instanceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]SignalRecord, 0, len(doc.Items))
	for _, item := range doc.Items {
		out = append(out, SignalRecord{Name: item.Name, Payload: item.Payload, At: item.At})
	}
	return out, nil
}

func (s *MongoStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.events.InsertOne(ctx, mongoEventDoc{
		InstanceID:   ev.InstanceID,
		At:           ev.At.UnixNano(),
		Type:         string(ev.Type),
		WorkflowName: ev.WorkflowName,
		Detail:       ev.Detail,
	})
	return err
}

func (s *MongoStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	cur, err := s.events.Find(ctx,
		bson.M{"instance_id": instanceID},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.WorkflowEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.WorkflowEvent{
			InstanceID:   doc.InstanceID,
			At:           time.Unix(0, doc.At),
			Type:         api.EventType(doc.Type),
			WorkflowName: doc.WorkflowName,
			Detail:       doc.Detail,
		})
	}
	return out, cur.Err()
}

func (s *MongoStore) LoadEntity(ctx context.Context, id api.EntityID) ([]byte, error) {
	var doc mongoEntityDoc
	err := s.entities.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.State, nil
}

func (s *MongoStore) SaveEntity(ctx context.Context, id api.EntityID, state []byte) error {
	doc := mongoEntityDoc{ID: id.String(), Name: strings.ToLower(id.Name), Key: id.Key, State: state}
	_, err := s.entities.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}
