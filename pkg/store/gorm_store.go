package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docuchat/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &DocumentModel{}, &ChunkModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveUser(u domain.User) error {
	model := UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		UploadCount:  u.UploadCount,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
	if err := s.db.Save(&model).Error; err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	err := s.db.Where("email = ?", email).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get user by email: %w", err)
	}
	return userToDomain(model), true, nil
}

func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	err := s.db.First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get user: %w", err)
	}
	return userToDomain(model), true, nil
}

func (s *GormStore) IncrementOwnerCounter(ownerID, field string, delta int) error {
	column, err := counterColumn(field)
	if err != nil {
		return err
	}
	result := s.db.Model(&UserModel{}).
		Where("id = ?", ownerID).
		Update(column, gorm.Expr(column+" + ?", delta))
	if result.Error != nil {
		return fmt.Errorf("increment %s: %w", field, result.Error)
	}
	return nil
}

func (s *GormStore) CreateDocument(doc domain.Document) error {
	model, chunks, err := documentToModels(doc)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("create document: %w", err)
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 200).Error; err != nil {
				return fmt.Errorf("create chunks: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) GetDocument(id string) (domain.Document, bool, error) {
	var model DocumentModel
	err := s.db.First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Document{}, false, nil
	}
	if err != nil {
		return domain.Document{}, false, fmt.Errorf("get document: %w", err)
	}
	var chunkModels []ChunkModel
	if err := s.db.Where("document_id = ?", id).Order("idx asc").Find(&chunkModels).Error; err != nil {
		return domain.Document{}, false, fmt.Errorf("list chunks: %w", err)
	}
	doc, err := documentToDomain(model, chunkModels)
	if err != nil {
		return domain.Document{}, false, err
	}
	return doc, true, nil
}

// ListDocumentsByOwner returns the owner's active documents, newest first,
// without chunk bodies. Use GetDocument to load chunks.
func (s *GormStore) ListDocumentsByOwner(ownerID string, limit int) ([]domain.Document, error) {
	var models []DocumentModel
	q := s.db.Where("owner_id = ? AND active = ?", ownerID, true).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	docs := make([]domain.Document, 0, len(models))
	for _, model := range models {
		doc, err := documentToDomain(model, nil)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *GormStore) CountActiveDocumentsByOwner(ownerID string) (int, error) {
	var count int64
	err := s.db.Model(&DocumentModel{}).
		Where("owner_id = ? AND active = ?", ownerID, true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return int(count), nil
}

func (s *GormStore) SoftDeleteDocument(id string) error {
	now := time.Now().UTC()
	result := s.db.Model(&DocumentModel{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]any{"active": false, "deleted_at": &now})
	if result.Error != nil {
		return fmt.Errorf("soft delete document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) IncrementDocumentStat(id, field string, delta int) error {
	column, err := statColumn(field)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	result := s.db.Model(&DocumentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			column:             gorm.Expr(column+" + ?", delta),
			"last_accessed_at": &now,
		})
	if result.Error != nil {
		return fmt.Errorf("increment %s: %w", field, result.Error)
	}
	return nil
}

func (s *GormStore) AppendMessage(msg domain.Message) error {
	model, err := messageToModel(msg)
	if err != nil {
		return err
	}
	if err := s.db.Create(&model).Error; err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *GormStore) ListMessages(userID string, limit int) ([]domain.Message, error) {
	var models []MessageModel
	q := s.db.Where("user_id = ?", userID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	// Reverse to chronological order.
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msg, err := messageToDomain(models[i])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func counterColumn(field string) (string, error) {
	switch field {
	case CounterUpload:
		return "upload_count", nil
	default:
		return "", fmt.Errorf("unknown owner counter %q", field)
	}
}

func statColumn(field string) (string, error) {
	switch field {
	case StatViews:
		return "view_count", nil
	case StatChats:
		return "chat_count", nil
	default:
		return "", fmt.Errorf("unknown document stat %q", field)
	}
}

func userToDomain(model UserModel) domain.User {
	return domain.User{
		ID:           model.ID,
		Email:        model.Email,
		PasswordHash: model.PasswordHash,
		UploadCount:  model.UploadCount,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
}

func documentToModels(doc domain.Document) (DocumentModel, []ChunkModel, error) {
	model := DocumentModel{
		ID:               doc.ID,
		OwnerID:          doc.OwnerID,
		StorageKey:       doc.StorageKey,
		OriginalFilename: doc.OriginalFilename,
		MimeType:         doc.MimeType,
		SizeBytes:        doc.SizeBytes,
		PageCount:        doc.Metadata.PageCount,
		WordCount:        doc.Metadata.WordCount,
		Language:         doc.Metadata.Language,
		Summary:          doc.Metadata.Summary,
		ViewCount:        doc.Stats.ViewCount,
		ChatCount:        doc.Stats.ChatCount,
		LastAccessedAt:   doc.Stats.LastAccessedAt,
		Active:           doc.Active,
		DeletedAt:        doc.DeletedAt,
		CreatedAt:        doc.CreatedAt,
	}
	chunks := make([]ChunkModel, 0, len(doc.Chunks))
	for _, chunk := range doc.Chunks {
		source, err := json.Marshal(chunk.Source)
		if err != nil {
			return DocumentModel{}, nil, fmt.Errorf("marshal chunk source: %w", err)
		}
		chunks = append(chunks, ChunkModel{
			ID:         chunk.ID,
			DocumentID: doc.ID,
			Idx:        chunk.Index,
			Content:    chunk.Text,
			Source:     source,
			CreatedAt:  chunk.CreatedAt,
		})
	}
	return model, chunks, nil
}

func documentToDomain(model DocumentModel, chunkModels []ChunkModel) (domain.Document, error) {
	doc := domain.Document{
		ID:               model.ID,
		OwnerID:          model.OwnerID,
		StorageKey:       model.StorageKey,
		OriginalFilename: model.OriginalFilename,
		MimeType:         model.MimeType,
		SizeBytes:        model.SizeBytes,
		Metadata: domain.DocumentMetadata{
			PageCount: model.PageCount,
			WordCount: model.WordCount,
			Language:  model.Language,
			Summary:   model.Summary,
		},
		Stats: domain.DocumentStats{
			ViewCount:      model.ViewCount,
			ChatCount:      model.ChatCount,
			LastAccessedAt: model.LastAccessedAt,
		},
		Active:    model.Active,
		DeletedAt: model.DeletedAt,
		CreatedAt: model.CreatedAt,
	}
	for _, chunkModel := range chunkModels {
		var source domain.ChunkSource
		if len(chunkModel.Source) > 0 {
			if err := json.Unmarshal(chunkModel.Source, &source); err != nil {
				return domain.Document{}, fmt.Errorf("unmarshal chunk source: %w", err)
			}
		}
		doc.Chunks = append(doc.Chunks, domain.Chunk{
			ID:         chunkModel.ID,
			DocumentID: chunkModel.DocumentID,
			Index:      chunkModel.Idx,
			Text:       chunkModel.Content,
			Source:     source,
			CreatedAt:  chunkModel.CreatedAt,
		})
	}
	return doc, nil
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	var docIDs []byte
	if len(msg.DocumentIDs) > 0 {
		var err error
		docIDs, err = json.Marshal(msg.DocumentIDs)
		if err != nil {
			return MessageModel{}, fmt.Errorf("marshal document ids: %w", err)
		}
	}
	return MessageModel{
		ID:          msg.ID,
		UserID:      msg.UserID,
		Role:        string(msg.Role),
		Content:     msg.Content,
		DocumentIDs: docIDs,
		CreatedAt:   msg.CreatedAt,
	}, nil
}

func messageToDomain(model MessageModel) (domain.Message, error) {
	msg := domain.Message{
		ID:        model.ID,
		UserID:    model.UserID,
		Role:      domain.ChatRole(model.Role),
		Content:   model.Content,
		CreatedAt: model.CreatedAt,
	}
	if len(model.DocumentIDs) > 0 {
		if err := json.Unmarshal(model.DocumentIDs, &msg.DocumentIDs); err != nil {
			return domain.Message{}, fmt.Errorf("unmarshal document ids: %w", err)
		}
	}
	return msg, nil
}
