package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/venue-payments/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// for handling MongoDB operations. Settlement and withdrawal commits use
// multi-document transactions, so the deployment must be a replica set.
type MongoDB struct {
	client       *mongo.Client
	transactions *mongo.Collection
	balances     *mongo.Collection
}

type transactionDoc struct {
	ID                   string                   `bson:"_id"`
	Type                 models.TransactionType   `bson:"type"`
	Amount               primitive.Decimal128     `bson:"amount"`
	Currency             string                   `bson:"currency"`
	Reference            string                   `bson:"reference"`
	UserEmail            string                   `bson:"userEmail"`
	AccountNumber        string                   `bson:"account_number"`
	AccountName          string                   `bson:"account_name"`
	BankCode             *string                  `bson:"bank_code"`
	PaymentMethod        models.PaymentMethod     `bson:"payment_method"`
	Status               models.TransactionStatus `bson:"status"`
	PaymentStatusHistory []models.StatusEntry     `bson:"payment_status_history"`
	CheckoutURL          string                   `bson:"checkout_url,omitempty"`
	ProviderReference    string                   `bson:"provider_reference,omitempty"`
	CreatedAt            time.Time                `bson:"created_at"`
	UpdatedAt            time.Time                `bson:"updated_at"`
}

type balanceDoc struct {
	ID          string               `bson:"_id"`
	OwnerEmail  string               `bson:"ownerEmail"`
	TotalAmount primitive.Decimal128 `bson:"totalAmount"`
	UpdatedAt   time.Time            `bson:"updated_at"`
}

// creates a new MongoDB instance
func NewMongoDB(uri, dbName string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Mongodb: %w", err)
	}

	// pinging the database
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping Mongodb: %w", err)
	}

	database := client.Database(dbName)
	transactions := database.Collection("transactions")
	balances := database.Collection("ownerAmount")

	_, err = transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userEmail", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetBackground(true),
		},
		{
			Keys:    bson.D{{Key: "reference", Value: 1}},
			Options: options.Index().SetUnique(true).SetBackground(true),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
			Options: options.Index().SetBackground(true),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction indexes: %w", err)
	}

	_, err = balances.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "ownerEmail", Value: 1}},
		Options: options.Index().SetBackground(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create balance indexes: %w", err)
	}

	return &MongoDB{
		client:       client,
		transactions: transactions,
		balances:     balances,
	}, nil
}

// closes the mongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// creates a new transaction
func (m *MongoDB) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	doc, err := toTransactionDoc(tx)
	if err != nil {
		return err
	}

	if _, err := m.transactions.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

// retrieves a transaction by reference
func (m *MongoDB) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	var doc transactionDoc
	err := m.transactions.FindOne(ctx, bson.M{"reference": reference}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // Not found, but not an error
		}
		return nil, fmt.Errorf("failed to get transaction by reference: %w", err)
	}

	return fromTransactionDoc(&doc)
}

// retrieves an owner's transactions, newest first
func (m *MongoDB) ListTransactionsByOwner(ctx context.Context, email string, limit, offset int) ([]*models.Transaction, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	return m.findTransactions(ctx, bson.M{"userEmail": email}, opts)
}

// retrieves deposits in one of the given statuses that have not moved since before
func (m *MongoDB) ListTransactionsByStatus(ctx context.Context, statuses []models.TransactionStatus, before time.Time, limit int) ([]*models.Transaction, error) {
	filter := bson.M{
		"type":       models.Deposit,
		"status":     bson.M{"$in": statuses},
		"updated_at": bson.M{"$lt": before},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}}).
		SetLimit(int64(limit))

	return m.findTransactions(ctx, filter, opts)
}

func (m *MongoDB) findTransactions(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*models.Transaction, error) {
	cursor, err := m.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []transactionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}

	transactions := make([]*models.Transaction, 0, len(docs))
	for i := range docs {
		tx, err := fromTransactionDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, nil
}

// appends a history entry and moves status to it in a single document update
func (m *MongoDB) AppendStatus(ctx context.Context, reference string, upd models.StatusUpdate) (*models.Transaction, error) {
	var doc transactionDoc
	err := m.transactions.FindOneAndUpdate(
		ctx,
		bson.M{"reference": reference},
		statusUpdate(upd),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to append transaction status: %w", err)
	}

	return fromTransactionDoc(&doc)
}

// SettleDeposit marks a deposit successful and credits the owner in one
// multi-document transaction. Nothing is written when the deposit is already
// settled; the returned bool reports whether a credit happened.
func (m *MongoDB) SettleDeposit(ctx context.Context, reference string, upd models.StatusUpdate) (*models.Transaction, bool, error) {
	upd.Entry.Status = models.Success

	sess, err := m.client.StartSession()
	if err != nil {
		return nil, false, fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	result, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var doc transactionDoc
		err := m.transactions.FindOneAndUpdate(
			sc,
			bson.M{
				"reference": reference,
				"type":      models.Deposit,
				"status":    bson.M{"$ne": models.Success},
			},
			statusUpdate(upd),
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to mark deposit settled: %w", err)
		}

		_, err = m.balances.UpdateOne(
			sc,
			bson.M{"ownerEmail": doc.UserEmail},
			bson.M{
				"$inc":         bson.M{"totalAmount": doc.Amount},
				"$set":         bson.M{"updated_at": time.Now().UTC()},
				"$setOnInsert": bson.M{"_id": uuid.New().String()},
			},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to credit balance: %w", err)
		}

		return &doc, nil
	})
	if err != nil {
		return nil, false, err
	}

	if doc, ok := result.(*transactionDoc); ok && doc != nil {
		tx, err := fromTransactionDoc(doc)
		return tx, true, err
	}

	tx, err := m.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	if tx == nil {
		return nil, false, ErrTransactionNotFound
	}
	return tx, false, nil
}

// CommitWithdrawal debits the owner's balance records and inserts the
// completed withdrawal in one multi-document transaction. It returns the
// owner's remaining total.
func (m *MongoDB) CommitWithdrawal(ctx context.Context, tx *models.Transaction) (decimal.Decimal, error) {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	txDoc, err := toTransactionDoc(tx)
	if err != nil {
		return decimal.Zero, err
	}

	sess, err := m.client.StartSession()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	result, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		records, err := m.balanceDocs(sc, tx.UserEmail)
		if err != nil {
			return nil, err
		}

		total := decimal.Zero
		amounts := make([]decimal.Decimal, len(records))
		for i, rec := range records {
			amounts[i], err = fromDecimal128(rec.TotalAmount)
			if err != nil {
				return nil, err
			}
			total = total.Add(amounts[i])
		}
		if total.LessThan(tx.Amount) {
			return nil, ErrInsufficientFunds
		}

		remaining := tx.Amount
		for i, rec := range records {
			if !remaining.IsPositive() {
				break
			}
			if !amounts[i].IsPositive() {
				continue
			}

			take := decimal.Min(amounts[i], remaining)
			take128, err := toDecimal128(take)
			if err != nil {
				return nil, err
			}
			neg128, err := toDecimal128(take.Neg())
			if err != nil {
				return nil, err
			}

			res, err := m.balances.UpdateOne(
				sc,
				bson.M{"_id": rec.ID, "totalAmount": bson.M{"$gte": take128}},
				bson.M{
					"$inc": bson.M{"totalAmount": neg128},
					"$set": bson.M{"updated_at": now},
				},
			)
			if err != nil {
				return nil, fmt.Errorf("failed to debit balance: %w", err)
			}
			if res.MatchedCount == 0 {
				return nil, fmt.Errorf("balance record %s changed during withdrawal", rec.ID)
			}
			remaining = remaining.Sub(take)
		}

		if _, err := m.transactions.InsertOne(sc, txDoc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrDuplicateReference
			}
			return nil, fmt.Errorf("failed to insert withdrawal: %w", err)
		}

		return total.Sub(tx.Amount), nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	return result.(decimal.Decimal), nil
}

// retrieves every balance record held by an owner
func (m *MongoDB) BalancesByOwner(ctx context.Context, email string) ([]*models.Balance, error) {
	docs, err := m.balanceDocs(ctx, email)
	if err != nil {
		return nil, err
	}

	balances := make([]*models.Balance, 0, len(docs))
	for _, doc := range docs {
		amount, err := fromDecimal128(doc.TotalAmount)
		if err != nil {
			return nil, err
		}
		balances = append(balances, &models.Balance{
			ID:          doc.ID,
			OwnerEmail:  doc.OwnerEmail,
			TotalAmount: amount,
			UpdatedAt:   doc.UpdatedAt,
		})
	}

	return balances, nil
}

func (m *MongoDB) balanceDocs(ctx context.Context, email string) ([]balanceDoc, error) {
	cursor, err := m.balances.Find(ctx, bson.M{"ownerEmail": email}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to find balances: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []balanceDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode balances: %w", err)
	}
	return docs, nil
}

func statusUpdate(upd models.StatusUpdate) bson.M {
	if upd.Entry.Timestamp.IsZero() {
		upd.Entry.Timestamp = time.Now().UTC()
	}

	set := bson.M{
		"status":     upd.Entry.Status,
		"updated_at": upd.Entry.Timestamp,
	}
	if upd.CheckoutURL != "" {
		set["checkout_url"] = upd.CheckoutURL
	}
	if upd.ProviderReference != "" {
		set["provider_reference"] = upd.ProviderReference
	}

	return bson.M{
		"$set":  set,
		"$push": bson.M{"payment_status_history": upd.Entry},
	}
}

func toTransactionDoc(tx *models.Transaction) (*transactionDoc, error) {
	amount, err := toDecimal128(tx.Amount)
	if err != nil {
		return nil, err
	}

	return &transactionDoc{
		ID:                   tx.ID,
		Type:                 tx.Type,
		Amount:               amount,
		Currency:             tx.Currency,
		Reference:            tx.Reference,
		UserEmail:            tx.UserEmail,
		AccountNumber:        tx.AccountNumber,
		AccountName:          tx.AccountName,
		BankCode:             tx.BankCode,
		PaymentMethod:        tx.PaymentMethod,
		Status:               tx.Status,
		PaymentStatusHistory: tx.PaymentStatusHistory,
		CheckoutURL:          tx.CheckoutURL,
		ProviderReference:    tx.ProviderReference,
		CreatedAt:            tx.CreatedAt,
		UpdatedAt:            tx.UpdatedAt,
	}, nil
}

func fromTransactionDoc(doc *transactionDoc) (*models.Transaction, error) {
	amount, err := fromDecimal128(doc.Amount)
	if err != nil {
		return nil, err
	}

	return &models.Transaction{
		ID:                   doc.ID,
		Type:                 doc.Type,
		Amount:               amount,
		Currency:             doc.Currency,
		Reference:            doc.Reference,
		UserEmail:            doc.UserEmail,
		AccountNumber:        doc.AccountNumber,
		AccountName:          doc.AccountName,
		BankCode:             doc.BankCode,
		PaymentMethod:        doc.PaymentMethod,
		Status:               doc.Status,
		PaymentStatusHistory: doc.PaymentStatusHistory,
		CheckoutURL:          doc.CheckoutURL,
		ProviderReference:    doc.ProviderReference,
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("failed to convert amount %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse stored amount %s: %w", v, err)
	}
	return d, nil
}
