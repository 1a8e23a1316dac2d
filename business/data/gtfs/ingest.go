package gtfs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/OpenTransitTools/transitroute/foundation/httpclient"
)

// IngestResult summarizes one static feed load. FeedInfo carries the ETag
// and Last-Modified the feed host reported, for change detection on the
// next refresh.
type IngestResult struct {
	Stops            int
	Routes           int
	Trips            int
	StopTimes        int
	Calendars        int
	SkippedTrips     int
	SkippedStopTimes int
	FeedInfo         httpclient.RemoteFileInfo
}

// LoadStaticFeed downloads the gtfs zip at url into downloadDirectory, parses
// it and replaces the stored timetable with its contents. The downloaded file
// is removed afterwards.
func LoadStaticFeed(ctx context.Context,
	log *log.Logger,
	store Store,
	url string,
	downloadDirectory string) (*IngestResult, error) {

	if len(url) == 0 {
		return nil, fmt.Errorf("no gtfs static feed url configured")
	}
	err := makeDirectoryIfNotPresent(downloadDirectory)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	localGtfsZipFile := filepath.Join(downloadDirectory, "gtfs.zip")
	log.Printf("Downloading file from %s to %s\n", url, localGtfsZipFile)
	downloadedFile, err := httpclient.DownloadRemoteFile(localGtfsZipFile, url)

	//remove downloaded file after we are done
	defer func() {
		if _, statErr := os.Stat(localGtfsZipFile); statErr == nil {
			removeErr := os.Remove(localGtfsZipFile)
			if removeErr != nil {
				log.Printf("Unable to remove downloaded file. error:%v", removeErr)
			}
		}
	}()
	if err != nil {
		return nil, err
	}
	log.Printf("Downloaded %v bytes in %v seconds\n",
		downloadedFile.Size, downloadedFile.DownloadedAt.Unix()-start.Unix())

	feed, err := ParseStaticFeedFile(downloadedFile.LocalFilePath)
	if err != nil {
		return nil, err
	}
	if feed.SkippedTrips > 0 || feed.SkippedStopTimes > 0 {
		log.Printf("Skipped %d trips referencing unknown routes and %d stop times referencing unknown trips or stops\n",
			feed.SkippedTrips, feed.SkippedStopTimes)
	}

	err = store.ReplaceStaticData(ctx, feed)
	if err != nil {
		return nil, err
	}
	result := IngestResult{
		Stops:            len(feed.Stops),
		Routes:           len(feed.Routes),
		Trips:            len(feed.Trips),
		StopTimes:        len(feed.StopTimes),
		Calendars:        len(feed.Calendars),
		SkippedTrips:     feed.SkippedTrips,
		SkippedStopTimes: feed.SkippedStopTimes,
		FeedInfo:         downloadedFile.RemoteFileInfo,
	}
	log.Printf("Replaced static data with %d stops, %d routes, %d trips, %d stop times, %d calendars in %v seconds\n",
		result.Stops, result.Routes, result.Trips, result.StopTimes, result.Calendars,
		time.Now().Unix()-start.Unix())
	return &result, nil
}

func makeDirectoryIfNotPresent(directory string) error {
	if _, err := os.Stat(directory); os.IsNotExist(err) {
		return os.Mkdir(directory, os.ModePerm)
	}
	return nil
}
