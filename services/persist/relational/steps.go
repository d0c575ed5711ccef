// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relational

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/feedstore/services/persist/repr"
)

// maxSQLVariables bounds the placeholders of one statement. SQLite builds
// may allow as few as 999.
const maxSQLVariables = 500

var (
	videoExtensions = []string{
		".mov", ".wmv", ".mp4", ".m4v", ".ogg", ".ogv", ".anx", ".mpg", ".avi",
		".flv", ".mpeg", ".divx", ".xvid", ".rmvb", ".mkv", ".m2v", ".ogm",
	}
	audioExtensions = []string{".mp3", ".m4a", ".wma", ".mka"}
)

// execAll runs statements in order.
func execAll(ctx context.Context, m *Migration, stmts ...string) error {
	for _, s := range stmts {
		if err := m.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// parseStatus reads a downloader status column.
func parseStatus(id int64, v any) (map[any]any, error) {
	text, ok := asString(v)
	if !ok {
		return nil, fmt.Errorf("downloader %d: status is %T", id, v)
	}
	status, err := repr.ParseMapping(text)
	if err != nil {
		return nil, fmt.Errorf("downloader %d: status: %w", id, err)
	}
	return status, nil
}

// upgrade81 adds remote_downloader.state from the stored status.
func upgrade81(ctx context.Context, m *Migration) error {
	if err := m.Exec(ctx, "ALTER TABLE remote_downloader ADD state TEXT"); err != nil {
		return err
	}
	rows, err := m.Query(ctx, "SELECT id, status FROM remote_downloader")
	if err != nil {
		return err
	}
	for _, row := range rows {
		id, _ := asInt64(row[0])
		status, err := parseStatus(id, row[1])
		if err != nil {
			return err
		}
		var state any = "downloading"
		if v, ok := status["state"]; ok {
			state = v
			if s, ok := asString(v); ok {
				state = s
			}
		}
		if err := m.Exec(ctx, "UPDATE remote_downloader SET state=? WHERE id=?", state, id); err != nil {
			return err
		}
	}
	return nil
}

// upgrade82 adds was_downloaded. An item was downloaded when it has a
// downloader or has expired.
func upgrade82(ctx context.Context, m *Migration) error {
	err := execAll(ctx, m,
		"ALTER TABLE item ADD was_downloaded INTEGER",
		"ALTER TABLE file_item ADD was_downloaded INTEGER",
		"UPDATE file_item SET was_downloaded=0",
	)
	if err != nil {
		return err
	}
	rows, err := m.Query(ctx, "SELECT id, downloader_id, expired FROM item")
	if err != nil {
		return err
	}
	var downloaded []any
	for _, row := range rows {
		expired, _ := asInt64(row[2])
		if row[1] != nil || expired != 0 {
			downloaded = append(downloaded, row[0])
		}
	}
	if err := m.Exec(ctx, "UPDATE item SET was_downloaded=0"); err != nil {
		return err
	}
	for start := 0; start < len(downloaded); start += maxSQLVariables {
		end := min(start+maxSQLVariables, len(downloaded))
		chunk := downloaded[start:end]
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		if err := m.Exec(ctx, "UPDATE item SET was_downloaded=1 WHERE id IN ("+marks+")", chunk...); err != nil {
			return err
		}
	}
	return nil
}

// mergedItemColumns are copied from file_item into item by upgrade83.
var mergedItemColumns = []string{
	"id", "feed_id", "downloader_id", "parent_id", "seen",
	"autoDownloaded", "pendingManualDL", "pendingReason", "title",
	"expired", "keep", "creationTime", "linkNumber", "icon_cache_id",
	"downloadedTime", "watchedTime", "isContainerItem",
	"videoFilename", "isVideo", "releaseDateObj",
	"eligibleForAutoDownload", "duration", "screenshot", "resumeTime",
	"channelTitle", "license", "rss_id", "thumbnail_url",
	"entry_title", "raw_descrption", "link", "payment_link",
	"comments_link", "url", "enclosure_size", "enclosure_type",
	"enclosure_format", "feedparser_output", "was_downloaded",
	"filename", "deleted", "shortFilename", "offsetPath",
}

// upgrade83 merges file_item into item, marking the merged rows with
// is_file_item.
func upgrade83(ctx context.Context, m *Migration) error {
	quoted := make([]string, len(mergedItemColumns))
	for i, c := range mergedItemColumns {
		quoted[i] = quoteIdent(c)
	}
	cols := strings.Join(quoted, ", ")
	return execAll(ctx, m,
		"ALTER TABLE item ADD is_file_item INTEGER",
		"ALTER TABLE item ADD filename TEXT",
		"ALTER TABLE item ADD deleted INTEGER",
		"ALTER TABLE item ADD shortFilename TEXT",
		"ALTER TABLE item ADD offsetPath TEXT",
		"UPDATE item SET is_file_item=0, filename=NULL, deleted=NULL, shortFilename=NULL, offsetPath=NULL",
		fmt.Sprintf("INSERT INTO item (is_file_item, %s) SELECT 1, %s FROM file_item", cols, cols),
		"DROP TABLE file_item",
	)
}

func upgrade84(ctx context.Context, m *Migration) error {
	return m.Exec(ctx, "ALTER TABLE field_impl RENAME TO feed_impl")
}

// upgrade85 marks a container item seen when all of its children are.
func upgrade85(ctx context.Context, m *Migration) error {
	return execAll(ctx, m,
		"UPDATE item SET seen=0 WHERE isContainerItem",
		"UPDATE item SET seen=1 WHERE isContainerItem AND NOT EXISTS "+
			"(SELECT 1 FROM item AS child WHERE child.parent_id=item.id AND NOT child.seen)",
	)
}

// upgrade86 copies lastViewed from the feed implementations to the feed.
func upgrade86(ctx context.Context, m *Migration) error {
	if err := m.Exec(ctx, "ALTER TABLE feed ADD last_viewed TIMESTAMP"); err != nil {
		return err
	}
	selects := make([]string, len(FeedImplTables))
	for i, t := range FeedImplTables {
		selects[i] = "SELECT ufeed_id, lastViewed FROM " + t
	}
	return m.Exec(ctx, "UPDATE feed SET last_viewed = (SELECT lastViewed FROM ("+
		strings.Join(selects, " UNION ")+") WHERE ufeed_id = feed.id)")
}

// upgrade87 redeclares the TIMESTAMP columns of feed as timestamp.
func upgrade87(ctx context.Context, m *Migration) error {
	return rebuildTable(ctx, m, "feed", func(c Column) (Column, bool) {
		if strings.EqualFold(c.Type, "timestamp") {
			c.Type = "timestamp"
		}
		return c, true
	})
}

// maxIDTables are scanned for the largest id by upgrade88. The
// "search_downloads_feed_impl icon_cache" entry aliases one table under the
// name of another, so icon_cache itself is never scanned.
var maxIDTables = []string{
	"channel_folder", "playlist_folder", "channel_guide",
	"directory_feed_impl", "directory_watch_feed_impl",
	"remote_downloader", "rss_feed_impl", "feed",
	"rss_multi_feed_impl", "feed_impl", "scraper_feed_impl",
	"http_auth_password", "search_downloads_feed_impl icon_cache",
	"item", "single_feed_impl", "manual_feed_impl", "taborder_order",
	"theme_history", "widgets_frontend_state", "playlist",
}

// upgrade88 replaces the item_ids lists of playlists and playlist folders
// with item map tables.
func upgrade88(ctx context.Context, m *Migration) error {
	var maxID int64
	for _, table := range maxIDTables {
		rows, err := m.Query(ctx, "SELECT MAX(id) FROM "+table)
		if err != nil {
			return err
		}
		if n, ok := asInt64(rows[0][0]); ok && n > maxID {
			maxID = n
		}
	}
	next := maxID + 1
	nextID := func() int64 {
		id := next
		next++
		return id
	}

	err := execAll(ctx, m,
		"CREATE TABLE playlist_item_map (id integer PRIMARY KEY, "+
			"playlist_id integer, item_id integer, position integer)",
		"CREATE TABLE playlist_folder_item_map (id integer PRIMARY KEY, "+
			"playlist_id integer, item_id integer, position integer, count integer)",
	)
	if err != nil {
		return err
	}

	folderCount := make(map[int64]map[int64]int64)
	playlists, err := m.Query(ctx, "SELECT id, folder_id, item_ids FROM playlist")
	if err != nil {
		return err
	}
	for _, row := range playlists {
		id, _ := asInt64(row[0])
		ids, err := parseIDList("playlist", id, row[2])
		if err != nil {
			return err
		}
		folderID, inFolder := asInt64(row[1])
		for pos, itemID := range ids {
			err := m.Exec(ctx, "INSERT INTO playlist_item_map (id, item_id, playlist_id, position) "+
				"VALUES (?, ?, ?, ?)", nextID(), itemID, id, int64(pos))
			if err != nil {
				return err
			}
			if inFolder {
				if folderCount[folderID] == nil {
					folderCount[folderID] = make(map[int64]int64)
				}
				folderCount[folderID][itemID]++
			}
		}
	}

	folders, err := m.Query(ctx, "SELECT id, item_ids FROM playlist_folder")
	if err != nil {
		return err
	}
	for _, row := range folders {
		id, _ := asInt64(row[0])
		ids, err := parseIDList("playlist_folder", id, row[1])
		if err != nil {
			return err
		}
		for pos, itemID := range ids {
			count, ok := folderCount[id][itemID]
			if !ok {
				err := m.BestEffort("playlist_folder", id, "item_ids", func() error {
					return fmt.Errorf("item %d is in no playlist of the folder", itemID)
				})
				if err != nil {
					return err
				}
			}
			err := m.Exec(ctx, "INSERT INTO playlist_folder_item_map "+
				"(id, item_id, playlist_id, position, count) VALUES (?, ?, ?, ?, ?)",
				nextID(), itemID, id, int64(pos), count)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func parseIDList(table string, id int64, v any) ([]int64, error) {
	text, ok := asString(v)
	if !ok {
		return nil, fmt.Errorf("%s %d: item_ids is %T", table, id, v)
	}
	list, err := repr.ParseList(text)
	if err != nil {
		return nil, fmt.Errorf("%s %d: item_ids: %w", table, id, err)
	}
	out := make([]int64, 0, len(list))
	for _, e := range list {
		n, ok := e.(int64)
		if !ok {
			return nil, fmt.Errorf("%s %d: item id is %T", table, id, e)
		}
		out = append(out, n)
	}
	return out, nil
}

var errNoDownloader = errors.New("downloader row not found")

// upgrade89 fills videoFilename of downloaded items from their
// downloader's status, and of file items from filename.
func upgrade89(ctx context.Context, m *Migration) error {
	rows, err := m.Query(ctx, "SELECT id, downloader_id FROM item "+
		"WHERE NOT is_file_item AND videoFilename = ''")
	if err != nil {
		return err
	}
	for _, row := range rows {
		itemID, _ := asInt64(row[0])
		downloaderID, ok := asInt64(row[1])
		if !ok {
			continue
		}
		statusRows, err := m.Query(ctx, "SELECT status FROM remote_downloader WHERE id=?", downloaderID)
		if err != nil {
			return err
		}
		if len(statusRows) == 0 {
			return fmt.Errorf("item %d: downloader %d: %w", itemID, downloaderID, errNoDownloader)
		}
		status, err := parseStatus(downloaderID, statusRows[0][0])
		if err != nil {
			return err
		}
		filename, ok := statusFilename(status["filename"])
		if !ok {
			continue
		}
		if m.Env().FilenamesAreBytes && !utf8.ValidString(filename) {
			return fmt.Errorf("downloader %d: filename is not valid UTF-8", downloaderID)
		}
		if err := m.Exec(ctx, "UPDATE item SET videoFilename=? WHERE id=?", filename, itemID); err != nil {
			return err
		}
	}
	return m.Exec(ctx, "UPDATE item SET videoFilename=filename WHERE is_file_item")
}

// statusFilename returns a non-empty filename from a status mapping.
func statusFilename(v any) (string, bool) {
	s, ok := asString(v)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// upgrade90 links each downloader to its first item. Downloaders without
// items get a null main_item_id.
func upgrade90(ctx context.Context, m *Migration) error {
	if err := m.Exec(ctx, "ALTER TABLE remote_downloader ADD main_item_id integer"); err != nil {
		return err
	}
	downloaders, err := m.Query(ctx, "SELECT id FROM remote_downloader")
	if err != nil {
		return err
	}
	for _, row := range downloaders {
		items, err := m.Query(ctx, "SELECT id FROM item WHERE downloader_id=? LIMIT 1", row[0])
		if err != nil {
			return err
		}
		var itemID any
		if len(items) > 0 {
			itemID = items[0][0]
		} else {
			m.Logger().Debug("downloader has no item", "downloader_id", row[0])
		}
		if err := m.Exec(ctx, "UPDATE remote_downloader SET main_item_id=? WHERE id=?", itemID, row[0]); err != nil {
			return err
		}
	}
	return nil
}

func upgrade91(ctx context.Context, m *Migration) error {
	return execAll(ctx, m,
		"CREATE INDEX item_feed ON item (feed_id)",
		"CREATE INDEX item_downloader ON item (downloader_id)",
		"CREATE INDEX item_feed_downloader ON item (feed_id, downloader_id)",
		"CREATE INDEX downloader_state ON remote_downloader (state)",
	)
}

// upgrade92 drops the columns superseded by 86 and 88.
func upgrade92(ctx context.Context, m *Migration) error {
	for _, table := range FeedImplTables {
		if err := RemoveColumns(ctx, m, table, "lastViewed"); err != nil {
			return err
		}
	}
	if err := RemoveColumns(ctx, m, "playlist", "item_ids"); err != nil {
		return err
	}
	return RemoveColumns(ctx, m, "playlist_folder", "item_ids")
}

// upgrade93 classifies items by the extension of videoFilename.
func upgrade93(ctx context.Context, m *Migration) error {
	like := func(exts []string) string {
		conds := make([]string, len(exts))
		for i, ext := range exts {
			conds[i] = "videoFilename LIKE '%" + ext + "'"
		}
		return "(" + strings.Join(conds, " OR ") + ")"
	}
	return execAll(ctx, m,
		"ALTER TABLE item ADD file_type text",
		"CREATE INDEX item_file_type ON item (file_type)",
		"UPDATE item SET file_type = 'video' WHERE "+like(videoExtensions),
		"UPDATE item SET file_type = 'audio' WHERE "+like(audioExtensions),
		"UPDATE item SET file_type = 'other' WHERE file_type IS NULL AND videoFilename IS NOT NULL",
	)
}
