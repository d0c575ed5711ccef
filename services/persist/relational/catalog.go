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
	"strings"

	s "github.com/AleutianAI/feedstore/services/persist/schema"
	"github.com/AleutianAI/feedstore/services/persist/version"
)

// feedImplFixVersion renamed the misspelled field_impl table.
const feedImplFixVersion = 84

// TableName returns the table holding records of class tag in a store at
// version v.
func TableName(tag string, v int) string {
	if tag == "feed-impl" && v < feedImplFixVersion {
		return "field_impl"
	}
	return strings.ReplaceAll(tag, "-", "_")
}

// FeedImplTables lists the feed implementation tables after the rename.
var FeedImplTables = []string{
	"feed_impl", "rss_feed_impl", "rss_multi_feed_impl", "scraper_feed_impl",
	"search_feed_impl", "directory_watch_feed_impl", "directory_feed_impl",
	"search_downloads_feed_impl", "manual_feed_impl", "single_feed_impl",
}

// CutoverCatalog returns the table layout records are converted into at the
// cutover.
//
// Description:
//
//	Fields that the last legacy step turned into repr text are declared as
//	strings because the records already hold the text. Filenames are byte
//	strings when filenamesAreBytes is set. Every field accepts null; shape
//	rules still reject values of the wrong kind.
func CutoverCatalog(filenamesAreBytes bool) *s.Registry {
	str := s.String().OrNull()
	integer := s.Integer().OrNull()
	boolean := s.Boolean().OrNull()
	when := s.DateTime().OrNull()
	container := s.Container().OrNull()
	reprText := str
	filename := str
	if filenamesAreBytes {
		filename = s.Binary().OrNull()
	}
	ref := func(target string) s.FieldType { return s.ObjectRef(target).OrNull() }
	F := s.F

	item := s.NewSchema("item",
		F("feed_id", ref("feed")),
		F("downloader_id", ref("remote-downloader")),
		F("parent_id", ref("item")),
		F("seen", boolean),
		F("autoDownloaded", boolean),
		F("pendingManualDL", boolean),
		F("pendingReason", str),
		F("title", str),
		F("expired", boolean),
		F("keep", boolean),
		F("creationTime", when),
		F("linkNumber", integer),
		F("icon_cache_id", ref("icon-cache")),
		F("downloadedTime", when),
		F("watchedTime", when),
		F("isContainerItem", boolean),
		F("videoFilename", filename),
		F("isVideo", boolean),
		F("releaseDateObj", when),
		F("eligibleForAutoDownload", boolean),
		F("duration", integer),
		F("screenshot", filename),
		F("resumeTime", integer),
		F("channelTitle", str),
		F("license", str),
		F("rss_id", str),
		F("thumbnail_url", str),
		F("entry_title", str),
		F("raw_descrption", str),
		F("link", str),
		F("payment_link", str),
		F("comments_link", str),
		F("url", str),
		F("enclosure_size", integer),
		F("enclosure_type", str),
		F("enclosure_format", str),
		F("feedparser_output", reprText),
	)

	feedImpl := s.NewSchema("feed-impl",
		F("url", str),
		F("ufeed_id", ref("feed")),
		F("title", str),
		F("created", when),
		F("thumbURL", str),
		F("lastViewed", when),
		F("updateFreq", integer),
		F("initialUpdate", boolean),
	)
	rssMulti := feedImpl.Extend("rss-multi-feed-impl",
		F("etag", reprText),
		F("modified", reprText),
		F("query", str),
	)

	reg := s.NewRegistry(version.Cutover)
	reg.MustRegister(
		s.NewSchema("feed",
			F("origURL", str),
			F("errorState", boolean),
			F("loading", boolean),
			F("feed_impl_id", ref("feed-impl")),
			F("icon_cache_id", ref("icon-cache")),
			F("folder_id", ref("channel-folder")),
			F("searchTerm", str),
			F("userTitle", str),
			F("autoDownloadable", boolean),
			F("getEverything", boolean),
			F("maxNew", integer),
			F("maxOldItems", integer),
			F("fallBehind", integer),
			F("expire", str),
			F("expireTime", container),
			F("section", str),
			F("visible", boolean),
			F("baseTitle", str),
		),
		item,
		item.Extend("file-item",
			F("filename", filename),
			F("deleted", boolean),
			F("shortFilename", filename),
			F("offsetPath", filename),
		),
		feedImpl,
		feedImpl.Extend("rss-feed-impl",
			F("initialHTML", s.Binary().OrNull()),
			F("etag", str),
			F("modified", str),
		),
		rssMulti,
		feedImpl.Extend("scraper-feed-impl",
			F("initialHTML", s.Binary().OrNull()),
			F("initialCharset", str),
			F("linkHistory", reprText),
		),
		rssMulti.Extend("search-feed-impl",
			F("engine", str),
		),
		feedImpl.Extend("directory-watch-feed-impl",
			F("firstUpdate", boolean),
			F("dir", filename),
		),
		feedImpl.Extend("directory-feed-impl"),
		feedImpl.Extend("search-downloads-feed-impl"),
		feedImpl.Extend("manual-feed-impl"),
		feedImpl.Extend("single-feed-impl"),
		s.NewSchema("remote-downloader",
			F("url", str),
			F("origURL", str),
			F("dlid", str),
			F("contentType", str),
			F("channelName", filename),
			F("status", reprText),
			F("manualUpload", boolean),
		),
		s.NewSchema("icon-cache",
			F("etag", str),
			F("modified", str),
			F("filename", filename),
			F("url", str),
			F("resized_filenames", container),
		),
		s.NewSchema("channel-folder",
			F("expanded", boolean),
			F("title", str),
			F("section", str),
		),
		s.NewSchema("playlist-folder",
			F("expanded", boolean),
			F("title", str),
			F("item_ids", reprText),
		),
		s.NewSchema("playlist",
			F("title", str),
			F("item_ids", reprText),
			F("folder_id", ref("playlist-folder")),
		),
		s.NewSchema("channel-guide",
			F("url", str),
			F("allowedURLs", reprText),
			F("updated_url", str),
			F("favicon", str),
			F("firstTime", boolean),
			F("icon_cache_id", ref("icon-cache")),
			F("userTitle", str),
		),
		s.NewSchema("http-auth-password",
			F("username", str),
			F("password", str),
			F("host", str),
			F("realm", str),
			F("path", str),
			F("authScheme", str),
		),
		s.NewSchema("taborder-order",
			F("type", str),
			F("tab_ids", reprText),
		),
		s.NewSchema("theme-history",
			F("lastTheme", str),
			F("pastThemes", reprText),
		),
		s.NewSchema("widgets-frontend-state",
			F("list_view_displays", reprText),
		),
	)
	return reg
}
