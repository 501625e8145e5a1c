package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"lingo-social/internal/domain"
)

// Models 返回需要迁移的全部模型
func Models() []interface{} {
	return []interface{}{
		&domain.User{},
		&domain.Follow{},
		&domain.Block{},
		&domain.Conversation{},
		&domain.Message{},
		&domain.ReadReceipt{},
		&domain.VoiceRoom{},
		&domain.VoiceRoomParticipant{},
		&domain.StageRequest{},
		&domain.VoiceRoomMessage{},
	}
}

// MigrateDB 使用 AutoMigrate 创建或更新表结构，返回错误以便调用者决定是否继续。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		logrus.Errorf("Failed to auto-migrate tables: %v", err)
		return fmt.Errorf("failed to auto-migrate tables: %w", err)
	}
	logrus.Info("Database migration completed successfully")
	return nil
}
