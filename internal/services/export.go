package services

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"gorm.io/gorm"

	"github.com/routegate/backend/internal/models"
)

// ExportConfig holds FTP destination settings for ledger exports
type ExportConfig struct {
	Interval time.Duration
	Host     string
	Port     int
	User     string
	Password string
	Path     string
}

// ExportService periodically dumps the grant ledger as CSV to an FTP drop for
// offline accounting
type ExportService struct {
	db  *gorm.DB
	cfg ExportConfig

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewExportService(db *gorm.DB, cfg ExportConfig) *ExportService {
	return &ExportService{
		db:       db,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic export loop
func (s *ExportService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("LedgerExport: started, exporting every %v to %s", s.cfg.Interval, s.cfg.Host)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.ExportNow(); err != nil {
					log.Printf("LedgerExport: export failed: %v", err)
				}
			case <-s.stopChan:
				log.Println("LedgerExport: stopped")
				return
			}
		}
	}()
}

// Stop halts the export loop
func (s *ExportService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// ExportNow dumps the full ledger and uploads it
func (s *ExportService) ExportNow() error {
	data, count, err := s.buildCSV()
	if err != nil {
		return fmt.Errorf("build export: %w", err)
	}

	filename := fmt.Sprintf("grants-%s.csv", time.Now().UTC().Format("20060102-150405"))
	if err := s.upload(filename, data); err != nil {
		return fmt.Errorf("upload export: %w", err)
	}

	log.Printf("LedgerExport: uploaded %s (%d grants, %d bytes)", filename, count, len(data))
	return nil
}

func (s *ExportService) buildCSV() ([]byte, int, error) {
	var grants []models.Grant
	if err := s.db.Order("id").Find(&grants).Error; err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"grant_id", "routing_alias", "owner_id", "country", "status",
		"quota_bytes", "consumed_bytes", "expires_at", "created_at"}
	if err := w.Write(header); err != nil {
		return nil, 0, err
	}

	for i := range grants {
		g := &grants[i]
		expires := ""
		if g.ExpiresAt != nil {
			expires = g.ExpiresAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			g.GrantID,
			g.RoutingAlias,
			g.OwnerID,
			g.CountryCode,
			statusWordCSV(g.Status),
			strconv.FormatInt(g.QuotaBytes, 10),
			strconv.FormatInt(g.ConsumedBytes, 10),
			expires,
			g.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, 0, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), len(grants), nil
}

func (s *ExportService) upload(filename string, data []byte) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("ftp dial %s: %w", addr, err)
	}
	defer conn.Quit()

	if err := conn.Login(s.cfg.User, s.cfg.Password); err != nil {
		return fmt.Errorf("ftp login: %w", err)
	}

	if s.cfg.Path != "" {
		// Best effort, the directory usually exists already
		_ = conn.MakeDir(s.cfg.Path)
		if err := conn.ChangeDir(s.cfg.Path); err != nil {
			return fmt.Errorf("ftp chdir %s: %w", s.cfg.Path, err)
		}
	}

	if err := conn.Stor(filename, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("ftp store %s: %w", filename, err)
	}
	return nil
}

func statusWordCSV(st models.GrantStatus) string {
	b, err := st.MarshalJSON()
	if err != nil || len(b) < 2 {
		return "unknown"
	}
	return string(b[1 : len(b)-1])
}
