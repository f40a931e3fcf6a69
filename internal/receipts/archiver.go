// Package receipts serializes execution and deposit events into documents,
// stores them durably in block storage and records a retrievable pointer in
// the ledger store.
package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stride-fi/stride-backend/config"
	"github.com/stride-fi/stride-backend/internal/types"
)

type Store interface {
	GetTransactionByID(ctx context.Context, id uuid.UUID) (types.Transaction, error)
	CreateReceipt(ctx context.Context, r types.Receipt) (types.Receipt, error)
	SetReceiptURL(ctx context.Context, id uuid.UUID, url string) error
}

type BlobStorage interface {
	Upload(ctx context.Context, name string, content []byte) (string, error)
}

type S3Storage struct {
	cfg      config.BlockStorage
	s3Client *s3.S3
	logger   *logrus.Logger
}

var _ BlobStorage = (*S3Storage)(nil)

func NewS3Storage(cfg config.BlockStorage, logger *logrus.Logger) (*S3Storage, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Region),
		Endpoint:         aws.String(cfg.Host),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return &S3Storage{
		cfg:      cfg,
		s3Client: s3.New(sess),
		logger:   logger.WithField("pkg", "receipts.S3Storage").Logger,
	}, nil
}

// Upload stores the blob with a small retry budget and returns its URL.
func (s *S3Storage) Upload(ctx context.Context, name string, content []byte) (string, error) {
	const retry = 3
	var err error
	for i := 0; i < retry; i++ {
		_, err = s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.cfg.Bucket),
			Key:           aws.String(name),
			Body:          aws.ReadSeekCloser(bytes.NewReader(content)),
			ContentLength: aws.Int64(int64(len(content))),
			ContentType:   aws.String("application/json"),
		})
		if err == nil {
			return fmt.Sprintf("%s/%s/%s", s.cfg.Host, s.cfg.Bucket, name), nil
		}
		s.logger.Errorf("upload attempt %d failed for %s: %v", i+1, name, err)
	}
	return "", fmt.Errorf("failed to upload %s after %d attempts: %w", name, retry, err)
}

// Archiver builds receipt documents and persists pointer rows. Archiving is a
// best-effort side effect: callers never roll back a succeeded execution when
// it fails, they retry the task instead.
type Archiver struct {
	store  Store
	blobs  BlobStorage
	logger *logrus.Logger
}

func NewArchiver(store Store, blobs BlobStorage, logger *logrus.Logger) *Archiver {
	return &Archiver{
		store:  store,
		blobs:  blobs,
		logger: logger.WithField("pkg", "receipts.Archiver").Logger,
	}
}

type document struct {
	ReceiptID     string     `json:"receipt_id"`
	Type          string     `json:"type"`
	UserID        string     `json:"user_id"`
	TransactionID string     `json:"transaction_id"`
	PlanID        *string    `json:"plan_id,omitempty"`
	InputAmount   int64      `json:"input_amount"`
	OutputAmount  *int64     `json:"output_amount,omitempty"`
	InputAsset    string     `json:"input_asset"`
	OutputAsset   string     `json:"output_asset,omitempty"`
	TxHash        *string    `json:"tx_hash,omitempty"`
	Status        string     `json:"status"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	GeneratedAt   time.Time  `json:"generated_at"`
}

// Archive records the pointer first, uploads the document, then backfills the
// URL, so a crash mid-way leaves a resumable row rather than an orphan blob.
func (a *Archiver) Archive(ctx context.Context, userID, txID uuid.UUID, planID *uuid.UUID, receiptType types.ReceiptType) error {
	tx, err := a.store.GetTransactionByID(ctx, txID)
	if err != nil {
		return fmt.Errorf("a.store.GetTransactionByID: %w", err)
	}

	blobName := fmt.Sprintf("receipts/%s/%s.json", userID, txID)

	receipt, err := a.store.CreateReceipt(ctx, types.Receipt{
		UserID:        userID,
		TransactionID: &txID,
		PlanID:        planID,
		Type:          receiptType,
		BlobName:      blobName,
		Summary:       summarize(tx),
	})
	if err != nil {
		return fmt.Errorf("a.store.CreateReceipt: %w", err)
	}

	doc := document{
		ReceiptID:     receipt.ID.String(),
		Type:          string(receiptType),
		UserID:        userID.String(),
		TransactionID: txID.String(),
		InputAmount:   tx.InputAmount,
		OutputAmount:  tx.OutputAmount,
		InputAsset:    tx.InputAsset,
		OutputAsset:   tx.OutputAsset,
		TxHash:        tx.TxHash,
		Status:        string(tx.Status),
		CompletedAt:   tx.CompletedAt,
		GeneratedAt:   time.Now().UTC(),
	}
	if planID != nil {
		s := planID.String()
		doc.PlanID = &s
	}

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal receipt document: %w", err)
	}

	url, err := a.blobs.Upload(ctx, blobName, content)
	if err != nil {
		return fmt.Errorf("a.blobs.Upload: %w", err)
	}

	if err := a.store.SetReceiptURL(ctx, receipt.ID, url); err != nil {
		return fmt.Errorf("a.store.SetReceiptURL: %w", err)
	}

	a.logger.WithField("receipt_id", receipt.ID).Info("receipt archived")
	return nil
}

func summarize(tx types.Transaction) string {
	if tx.OutputAmount != nil {
		return fmt.Sprintf("%s of %d %s for %d %s",
			tx.Type, tx.InputAmount, tx.InputAsset, *tx.OutputAmount, tx.OutputAsset)
	}
	return fmt.Sprintf("%s of %d %s", tx.Type, tx.InputAmount, tx.InputAsset)
}
